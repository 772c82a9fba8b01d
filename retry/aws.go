package retry

import (
	"errors"

	"github.com/aws/smithy-go"
)

var retryableAPICodes = map[string]bool{
	"SlowDown":                               true,
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
	"TransactionConflictException":           true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"InternalServerError":                    true,
	"ServiceUnavailable":                     true,
}

// ClassifyAPIError classifies AWS (and S3-compatible) API errors by their error
// code. Server faults and throttling are retryable; client faults are not.
func ClassifyAPIError(err error) Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if retryableAPICodes[apiErr.ErrorCode()] {
			return KindRetryable
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return KindRetryable
		}
		return KindPermanent
	}
	return KindOf(err)
}
