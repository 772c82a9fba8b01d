package metastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"FACEINDEX/models"
	"FACEINDEX/retry"
)

var _ Store = (*DynamoDB)(nil)

// DDBClient is the subset of the DynamoDB API the store uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDB stores faces and collections in two tables.
//
// Table schema:
//   - faces: partition key face_id (S)
//   - collections: partition key collection_id (S)
type DynamoDB struct {
	client           DDBClient
	facesTable       string
	collectionsTable string
	policy           retry.Policy
	now              func() time.Time
}

func NewDynamoDB(client DDBClient, facesTable, collectionsTable string, policy retry.Policy) *DynamoDB {
	if policy.Classify == nil {
		policy.Classify = retry.ClassifyAPIError
	}
	return &DynamoDB{
		client:           client,
		facesTable:       facesTable,
		collectionsTable: collectionsTable,
		policy:           policy,
		now:              time.Now,
	}
}

func (d *DynamoDB) PutIfAbsent(ctx context.Context, rec *models.FaceRecord) error {
	row := rec.Clone()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = d.now()
	}
	item, err := faceToItem(row)
	if err != nil {
		return retry.Permanent(err)
	}
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.facesTable),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(face_id)"),
		})
		if isConditionFailed(err) {
			return retry.Permanent(ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("putting face %s: %w", rec.FaceID, err)
		}
		return nil
	})
}

func (d *DynamoDB) Get(ctx context.Context, faceID string) (*models.FaceRecord, error) {
	var rec *models.FaceRecord
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.facesTable),
			Key:            map[string]types.AttributeValue{"face_id": str(faceID)},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("getting face %s: %w", faceID, err)
		}
		if len(out.Item) == 0 {
			return retry.Permanent(ErrNotFound)
		}
		rec, err = itemToFace(out.Item)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	return rec, err
}

func (d *DynamoDB) Delete(ctx context.Context, faceID string) (bool, error) {
	var deleted bool
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		out, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:    aws.String(d.facesTable),
			Key:          map[string]types.AttributeValue{"face_id": str(faceID)},
			ReturnValues: types.ReturnValueAllOld,
		})
		if err != nil {
			return fmt.Errorf("deleting face %s: %w", faceID, err)
		}
		deleted = len(out.Attributes) > 0
		return nil
	})
	return deleted, err
}

func (d *DynamoDB) CreateCollection(ctx context.Context, c *models.Collection) error {
	row := *c
	now := d.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		_, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(d.collectionsTable),
			Item:                collectionToItem(&row),
			ConditionExpression: aws.String("attribute_not_exists(collection_id)"),
		})
		if isConditionFailed(err) {
			return retry.Permanent(ErrAlreadyExists)
		}
		if err != nil {
			return fmt.Errorf("putting collection %s: %w", c.CollectionID, err)
		}
		return nil
	})
}

func (d *DynamoDB) GetCollection(ctx context.Context, collectionID string) (*models.Collection, error) {
	var c *models.Collection
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(d.collectionsTable),
			Key:            map[string]types.AttributeValue{"collection_id": str(collectionID)},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return fmt.Errorf("getting collection %s: %w", collectionID, err)
		}
		if len(out.Item) == 0 {
			return retry.Permanent(ErrNotFound)
		}
		c = itemToCollection(out.Item)
		return nil
	})
	return c, err
}

func (d *DynamoDB) ListCollections(ctx context.Context) ([]models.Collection, error) {
	var out []models.Collection
	err := d.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(d.collectionsTable)},
		func(item map[string]types.AttributeValue) {
			out = append(out, *itemToCollection(item))
		})
	if err != nil {
		return nil, err
	}
	sortCollections(out)
	return out, nil
}

func (d *DynamoDB) UpdateCollection(ctx context.Context, collectionID, name, description string) (*models.Collection, error) {
	var c *models.Collection
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		out, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.collectionsTable),
			Key:                 map[string]types.AttributeValue{"collection_id": str(collectionID)},
			UpdateExpression:    aws.String("SET #n = :name, description = :desc, updated_at = :now"),
			ConditionExpression: aws.String("attribute_exists(collection_id)"),
			ExpressionAttributeNames: map[string]string{
				"#n": "name",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":name": str(name),
				":desc": str(description),
				":now":  str(d.now().UTC().Format(time.RFC3339Nano)),
			},
			ReturnValues: types.ReturnValueAllNew,
		})
		if isConditionFailed(err) {
			return retry.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("updating collection %s: %w", collectionID, err)
		}
		c = itemToCollection(out.Attributes)
		return nil
	})
	return c, err
}

func (d *DynamoDB) DeleteCollection(ctx context.Context, collectionID string) error {
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(d.collectionsTable),
			Key:                 map[string]types.AttributeValue{"collection_id": str(collectionID)},
			ConditionExpression: aws.String("attribute_exists(collection_id)"),
		})
		if isConditionFailed(err) {
			return retry.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("deleting collection %s: %w", collectionID, err)
		}
		return nil
	})
}

func (d *DynamoDB) AddFaceCount(ctx context.Context, collectionID string, delta int64) error {
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		in := &dynamodb.UpdateItemInput{
			TableName:        aws.String(d.collectionsTable),
			Key:              map[string]types.AttributeValue{"collection_id": str(collectionID)},
			UpdateExpression: aws.String("SET face_count = if_not_exists(face_count, :zero) + :d"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":zero": num(0),
				":d":    num(delta),
			},
			ConditionExpression: aws.String("attribute_exists(collection_id)"),
		}
		if delta < 0 {
			in.ConditionExpression = aws.String("attribute_exists(collection_id) AND face_count >= :min")
			in.ExpressionAttributeValues[":min"] = num(-delta)
		}
		_, err := d.client.UpdateItem(ctx, in)
		if isConditionFailed(err) {
			if delta < 0 {
				return d.setFaceCount(ctx, collectionID, 0)
			}
			return retry.Permanent(ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("adjusting face count of %s: %w", collectionID, err)
		}
		return nil
	})
}

func (d *DynamoDB) SetFaceCount(ctx context.Context, collectionID string, n int64) error {
	return retry.Do(ctx, d.policy, func(ctx context.Context) error {
		return d.setFaceCount(ctx, collectionID, n)
	})
}

func (d *DynamoDB) setFaceCount(ctx context.Context, collectionID string, n int64) error {
	_, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.collectionsTable),
		Key:                       map[string]types.AttributeValue{"collection_id": str(collectionID)},
		UpdateExpression:          aws.String("SET face_count = :n"),
		ConditionExpression:       aws.String("attribute_exists(collection_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": num(n)},
	})
	if isConditionFailed(err) {
		return retry.Permanent(ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("setting face count of %s: %w", collectionID, err)
	}
	return nil
}

func (d *DynamoDB) CountFaces(ctx context.Context, collectionID string) (int64, error) {
	var n int64
	err := d.scanCount(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(d.facesTable),
		FilterExpression:          aws.String("collection_id = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": str(collectionID)},
		Select:                    types.SelectCount,
	}, &n)
	return n, err
}

func (d *DynamoDB) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	users := make(map[string]struct{})
	var last time.Time

	err := d.scan(ctx, &dynamodb.ScanInput{
		TableName:            aws.String(d.facesTable),
		ProjectionExpression: aws.String("user_id, created_at"),
	}, func(item map[string]types.AttributeValue) {
		st.TotalFaces++
		users[getS(item, "user_id")] = struct{}{}
		if t := getTime(item, "created_at"); t.After(last) {
			last = t
		}
	})
	if err != nil {
		return models.Stats{}, err
	}
	st.TotalUsers = int64(len(users))
	if !last.IsZero() {
		st.LastActivity = &last
	}

	err = d.scanCount(ctx, &dynamodb.ScanInput{
		TableName: aws.String(d.collectionsTable),
		Select:    types.SelectCount,
	}, &st.TotalCollections)
	if err != nil {
		return models.Stats{}, err
	}
	return st, nil
}

func (d *DynamoDB) Ping(ctx context.Context) error {
	_, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.collectionsTable),
		Key:       map[string]types.AttributeValue{"collection_id": str(models.DefaultCollectionID)},
	})
	return err
}

// scan pages through a table. Each page is retried on its own so a
// throttled page does not restart the whole scan.
func (d *DynamoDB) scan(ctx context.Context, in *dynamodb.ScanInput, fn func(map[string]types.AttributeValue)) error {
	for {
		var out *dynamodb.ScanOutput
		err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
			var err error
			out, err = d.client.Scan(ctx, in)
			if err != nil {
				return fmt.Errorf("scanning %s: %w", aws.ToString(in.TableName), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, item := range out.Items {
			fn(item)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (d *DynamoDB) scanCount(ctx context.Context, in *dynamodb.ScanInput, n *int64) error {
	for {
		var out *dynamodb.ScanOutput
		err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
			var err error
			out, err = d.client.Scan(ctx, in)
			if err != nil {
				return fmt.Errorf("counting %s: %w", aws.ToString(in.TableName), err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		*n += int64(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

func faceToItem(rec *models.FaceRecord) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"face_id":         str(rec.FaceID),
		"collection_id":   str(rec.CollectionID),
		"user_id":         str(rec.UserID),
		"image_key":       str(rec.ImageKey),
		"image_hash":      str(rec.ImageHash),
		"confidence":      numf(rec.Confidence),
		"detection_count": num(int64(rec.DetectionCount)),
		"bbox_left":       numf(rec.BoundingBox.Left),
		"bbox_top":        numf(rec.BoundingBox.Top),
		"bbox_width":      numf(rec.BoundingBox.Width),
		"bbox_height":     numf(rec.BoundingBox.Height),
		"created_at":      str(rec.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}
	if rec.ExternalImageID != "" {
		item["external_image_id"] = str(rec.ExternalImageID)
	}
	if len(rec.Metadata) > 0 {
		m := make(map[string]types.AttributeValue, len(rec.Metadata))
		for k, v := range rec.Metadata {
			m[k] = str(v)
		}
		item["metadata"] = &types.AttributeValueMemberM{Value: m}
	}
	if len(rec.Vector) > 0 {
		raw, err := json.Marshal(rec.Vector)
		if err != nil {
			return nil, fmt.Errorf("encoding vector of %s: %w", rec.FaceID, err)
		}
		item["embedding"] = &types.AttributeValueMemberB{Value: raw}
	}
	return item, nil
}

func itemToFace(item map[string]types.AttributeValue) (*models.FaceRecord, error) {
	rec := &models.FaceRecord{
		FaceID:          getS(item, "face_id"),
		CollectionID:    getS(item, "collection_id"),
		UserID:          getS(item, "user_id"),
		ImageKey:        getS(item, "image_key"),
		ImageHash:       getS(item, "image_hash"),
		ExternalImageID: getS(item, "external_image_id"),
		Confidence:      getF(item, "confidence"),
		DetectionCount:  int(getN(item, "detection_count")),
		BoundingBox: models.BoundingBox{
			Left:   getF(item, "bbox_left"),
			Top:    getF(item, "bbox_top"),
			Width:  getF(item, "bbox_width"),
			Height: getF(item, "bbox_height"),
		},
		CreatedAt: getTime(item, "created_at"),
	}
	if m, ok := item["metadata"].(*types.AttributeValueMemberM); ok {
		rec.Metadata = make(map[string]string, len(m.Value))
		for k, v := range m.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				rec.Metadata[k] = s.Value
			}
		}
	}
	if b, ok := item["embedding"].(*types.AttributeValueMemberB); ok {
		rec.Embedding = b.Value
		if err := rec.DecodeVector(); err != nil {
			return nil, fmt.Errorf("decoding vector of %s: %w", rec.FaceID, err)
		}
	}
	return rec, nil
}

func collectionToItem(c *models.Collection) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"collection_id": str(c.CollectionID),
		"name":          str(c.Name),
		"description":   str(c.Description),
		"face_count":    num(c.FaceCount),
		"created_at":    str(c.CreatedAt.UTC().Format(time.RFC3339Nano)),
		"updated_at":    str(c.UpdatedAt.UTC().Format(time.RFC3339Nano)),
	}
}

func itemToCollection(item map[string]types.AttributeValue) *models.Collection {
	return &models.Collection{
		CollectionID: getS(item, "collection_id"),
		Name:         getS(item, "name"),
		Description:  getS(item, "description"),
		FaceCount:    getN(item, "face_count"),
		CreatedAt:    getTime(item, "created_at"),
		UpdatedAt:    getTime(item, "updated_at"),
	}
}

func str(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func num(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func numf(f float64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(f, 'g', -1, 64)}
}

func getS(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func getN(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func getF(item map[string]types.AttributeValue, key string) float64 {
	if v, ok := item[key].(*types.AttributeValueMemberN); ok {
		f, _ := strconv.ParseFloat(v.Value, 64)
		return f
	}
	return 0
}

func getTime(item map[string]types.AttributeValue, key string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, getS(item, key))
	return t
}
