package metastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stratavec/strata/blobstore"
	"github.com/stratavec/strata/membership"
	"github.com/stratavec/strata/model"
)

// DDBStore implements Store on DynamoDB. Conditional writes give the
// compare-and-swap semantics that object stores lack, so multiple
// compactors coordinate safely through it.
//
// Table schema, single table:
//   - Partition key: log_id (string)
//   - Sort key: sk (string), "WATERMARK" for the per-log pointer row
//     or "SEG#<segment_id>" for a registered segment
//
// Create with:
//
//	aws dynamodb create-table \
//	  --table-name strata-meta \
//	  --attribute-definitions AttributeName=log_id,AttributeType=S AttributeName=sk,AttributeType=S \
//	  --key-schema AttributeName=log_id,KeyType=HASH AttributeName=sk,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBStore struct {
	client    DDBClient
	tableName string
}

// DDBClient is the interface for the DynamoDB operations the store
// needs.
type DDBClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ Store = (*DDBStore)(nil)

const watermarkSortKey = "WATERMARK"

// NewDDBStore creates a Store backed by the given DynamoDB table.
func NewDDBStore(client DDBClient, tableName string) *DDBStore {
	return &DDBStore{client: client, tableName: tableName}
}

func (s *DDBStore) Watermark(ctx context.Context, logID model.LogID) (model.Offset, error) {
	wm, _, err := s.readPointer(ctx, logID)
	return wm, err
}

// readPointer fetches the watermark row, returning zeros when the log
// has never been compacted.
func (s *DDBStore) readPointer(ctx context.Context, logID model.LogID) (model.Offset, membership.Token, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"log_id": &types.AttributeValueMemberS{Value: string(logID)},
			"sk":     &types.AttributeValueMemberS{Value: watermarkSortKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("metastore: get watermark: %w", err)
	}
	if len(resp.Item) == 0 {
		return 0, 0, nil
	}

	wm, err := numberAttr(resp.Item, "watermark")
	if err != nil {
		return 0, 0, err
	}
	token, err := numberAttr(resp.Item, "fencing_token")
	if err != nil {
		return 0, 0, err
	}

	return model.Offset(wm), membership.Token(token), nil
}

func (s *DDBStore) Commit(ctx context.Context, expected model.Offset, token membership.Token, rec SegmentRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.MinOffset != expected {
		return fmt.Errorf("metastore: segment [%d, %d) does not start at expected watermark %d", rec.MinOffset, rec.MaxOffset, expected)
	}

	cond := "watermark = :expected AND fencing_token <= :token"
	if expected == 0 {
		cond = "attribute_not_exists(sk) OR (" + cond + ")"
	}

	// One transaction advances the pointer and registers the segment,
	// so a reader never observes one without the other.
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"log_id":        &types.AttributeValueMemberS{Value: string(rec.LogID)},
						"sk":            &types.AttributeValueMemberS{Value: watermarkSortKey},
						"watermark":     numberValue(uint64(rec.MaxOffset)),
						"fencing_token": numberValue(uint64(token)),
					},
					ConditionExpression: aws.String(cond),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":expected": numberValue(uint64(expected)),
						":token":    numberValue(uint64(token)),
					},
				},
			},
			{Put: s.segmentPut(rec)},
		},
	})
	if err != nil {
		return s.classifyConflict(ctx, err, rec.LogID, token)
	}

	return nil
}

func (s *DDBStore) Replace(ctx context.Context, logID model.LogID, token membership.Token, removed []model.SegmentID, added SegmentRecord) error {
	if err := added.validate(); err != nil {
		return err
	}

	items := []types.TransactWriteItem{
		{
			// Touch the pointer row to fence the whole swap without
			// moving the watermark.
			ConditionCheck: &types.ConditionCheck{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"log_id": &types.AttributeValueMemberS{Value: string(logID)},
					"sk":     &types.AttributeValueMemberS{Value: watermarkSortKey},
				},
				ConditionExpression: aws.String("fencing_token <= :token"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":token": numberValue(uint64(token)),
				},
			},
		},
		{Put: s.segmentPut(added)},
	}
	for _, id := range removed {
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"log_id": &types.AttributeValueMemberS{Value: string(logID)},
					"sk":     &types.AttributeValueMemberS{Value: segmentSortKey(id)},
				},
				ConditionExpression: aws.String("attribute_exists(sk)"),
			},
		})
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return s.classifyConflict(ctx, err, logID, token)
	}

	return nil
}

func (s *DDBStore) ListSegments(ctx context.Context, logID model.LogID) ([]SegmentRecord, error) {
	var out []SegmentRecord

	var startKey map[string]types.AttributeValue
	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.tableName),
			KeyConditionExpression: aws.String("log_id = :log AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":log":    &types.AttributeValueMemberS{Value: string(logID)},
				":prefix": &types.AttributeValueMemberS{Value: "SEG#"},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("metastore: list segments: %w", err)
		}

		for _, item := range resp.Items {
			rec, err := decodeSegmentItem(logID, item)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}

		if len(resp.LastEvaluatedKey) == 0 {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MinOffset < out[j].MinOffset })

	return out, nil
}

// classifyConflict turns a transaction cancellation into the specific
// sentinel the caller acts on. The pointer row is re-read to tell a
// lost race from a fenced-out token.
func (s *DDBStore) classifyConflict(ctx context.Context, err error, logID model.LogID, token membership.Token) error {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return fmt.Errorf("metastore: commit transaction: %w", err)
		}
	}

	_, current, readErr := s.readPointer(ctx, logID)
	if readErr == nil && token < current {
		return ErrStaleToken
	}
	return ErrWatermarkConflict
}

func (s *DDBStore) segmentPut(rec SegmentRecord) *types.Put {
	return &types.Put{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"log_id":        &types.AttributeValueMemberS{Value: string(rec.LogID)},
			"sk":            &types.AttributeValueMemberS{Value: segmentSortKey(rec.SegmentID)},
			"segment_id":    &types.AttributeValueMemberS{Value: string(rec.SegmentID)},
			"manifest_hash": &types.AttributeValueMemberS{Value: string(rec.ManifestHash)},
			"min_offset":    numberValue(uint64(rec.MinOffset)),
			"max_offset":    numberValue(uint64(rec.MaxOffset)),
			"row_count":     numberValue(uint64(rec.RowCount)),
			"created_at":    numberValue(uint64(rec.CreatedAt)),
		},
	}
}

func segmentSortKey(id model.SegmentID) string {
	return "SEG#" + string(id)
}

func numberValue(n uint64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatUint(n, 10)}
}

func numberAttr(item map[string]types.AttributeValue, name string) (uint64, error) {
	attr, ok := item[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("metastore: missing or invalid %s attribute", name)
	}
	n, err := strconv.ParseUint(attr.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metastore: parse %s: %w", name, err)
	}
	return n, nil
}

func decodeSegmentItem(logID model.LogID, item map[string]types.AttributeValue) (SegmentRecord, error) {
	idAttr, ok := item["segment_id"].(*types.AttributeValueMemberS)
	if !ok {
		return SegmentRecord{}, fmt.Errorf("metastore: missing segment_id attribute")
	}
	hashAttr, ok := item["manifest_hash"].(*types.AttributeValueMemberS)
	if !ok {
		return SegmentRecord{}, fmt.Errorf("metastore: missing manifest_hash attribute")
	}
	minOff, err := numberAttr(item, "min_offset")
	if err != nil {
		return SegmentRecord{}, err
	}
	maxOff, err := numberAttr(item, "max_offset")
	if err != nil {
		return SegmentRecord{}, err
	}
	rows, err := numberAttr(item, "row_count")
	if err != nil {
		return SegmentRecord{}, err
	}
	createdAt, err := numberAttr(item, "created_at")
	if err != nil {
		return SegmentRecord{}, err
	}

	return SegmentRecord{
		SegmentID:    model.SegmentID(idAttr.Value),
		LogID:        logID,
		ManifestHash: blobstore.Hash(hashAttr.Value),
		MinOffset:    model.Offset(minOff),
		MaxOffset:    model.Offset(maxOff),
		RowCount:     uint32(rows),
		CreatedAt:    int64(createdAt),
	}, nil
}
