package engine

import (
	"encoding/base64"

	"github.com/vmihailenco/msgpack/v5"

	"FACEINDEX/apperr"
)

const tokenVersion = 1

// resumeToken is the decoded form of the opaque migration token. It is bound
// to one source ref and target collection.
type resumeToken struct {
	Version   int    `msgpack:"v"`
	SourceRef string `msgpack:"r"`
	Target    string `msgpack:"t"`
	Cursor    string `msgpack:"c"`
	Done      bool   `msgpack:"d"`
}

func encodeToken(t resumeToken) (string, error) {
	t.Version = tokenVersion
	b, err := msgpack.Marshal(&t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// decodeToken parses a token and checks it belongs to sourceRef and target.
// An empty token starts from the beginning.
func decodeToken(s, sourceRef, target string) (resumeToken, error) {
	if s == "" {
		return resumeToken{SourceRef: sourceRef, Target: target}, nil
	}
	invalid := func(err error) error {
		return apperr.Wrap(err, apperr.CodeMigrationTokenInvalid, "resume token is invalid")
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return resumeToken{}, invalid(err)
	}
	var t resumeToken
	if err := msgpack.Unmarshal(raw, &t); err != nil {
		return resumeToken{}, invalid(err)
	}
	if t.Version != tokenVersion {
		return resumeToken{}, apperr.New(apperr.CodeMigrationTokenInvalid, "resume token version is not supported",
			apperr.Field("version", t.Version))
	}
	if t.SourceRef != sourceRef || t.Target != target {
		return resumeToken{}, apperr.New(apperr.CodeMigrationTokenInvalid, "resume token belongs to another migration")
	}
	return t, nil
}
