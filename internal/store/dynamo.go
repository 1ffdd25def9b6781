// ABOUTME: DynamoDB implementation of the Store interface using aws-sdk-go-v2
// ABOUTME: Uses conditional writes so duplicate links and stale sweeps are rejected server side

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrConversationID = "conversation_id"
	attrThreadID       = "thread_id"
	attrLastUsed       = "last_used"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoStore keeps one item per conversation, keyed by conversation_id.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	logger    *slog.Logger
	now       func() time.Time
}

// NewDynamoStore wraps an existing DynamoDB client.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("dynamodb: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamodb: table name must not be empty")
	}
	return &DynamoStore{
		api:       api,
		tableName: tableName,
		logger:    slog.Default().With("component", "store", "backend", "dynamodb"),
		now:       time.Now,
	}, nil
}

// OpenDynamoStore loads AWS configuration from the environment, builds a client
// and creates the table if it does not exist yet.
func OpenDynamoStore(ctx context.Context, tableName string, opts Options) (*DynamoStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.AWSRegion))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.AWSEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.AWSEndpoint)
		}
	})

	s, err := NewDynamoStore(client, tableName)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("creating table: %w", err)
	}

	s.logger.Info("DynamoDB store initialized", "table", tableName)
	return s, nil
}

func (s *DynamoStore) ensureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err == nil {
		return nil
	}
	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return err
	}

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrConversationID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrConversationID), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return err
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(s.api)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)}, 2*time.Minute)
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoStore) Close() error {
	return nil
}

// Ping checks that the table is reachable
func (s *DynamoStore) Ping(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	return err
}

// Find retrieves the link for a conversation using a consistent read.
func (s *DynamoStore) Find(ctx context.Context, conversationID string) (*Link, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            conversationKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	return itemToLink(out.Item)
}

// Create writes a link only if no item exists for the conversation.
func (s *DynamoStore) Create(ctx context.Context, conversationID, threadID string) (*Link, error) {
	link := &Link{
		ConversationID: conversationID,
		ThreadID:       threadID,
		LastUsed:       s.now().UTC(),
	}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                linkItem(link),
		ConditionExpression: aws.String("attribute_not_exists(#cid)"),
		ExpressionAttributeNames: map[string]string{
			"#cid": attrConversationID,
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("dynamodb: put item: %w", err)
	}

	s.logger.Debug("created link", "conversation_id", conversationID, "thread_id", threadID)
	return link, nil
}

// Touch moves last_used forward. A failed condition means either the item is
// gone or it already carries a later timestamp; a read tells them apart.
func (s *DynamoStore) Touch(ctx context.Context, conversationID string) (*Link, error) {
	now := formatTime(s.now())

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 conversationKey(conversationID),
		UpdateExpression:    aws.String("SET #lu = :now"),
		ConditionExpression: aws.String("attribute_exists(#cid) AND #lu < :now"),
		ExpressionAttributeNames: map[string]string{
			"#cid": attrConversationID,
			"#lu":  attrLastUsed,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberS{Value: now},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return s.Find(ctx, conversationID)
		}
		return nil, fmt.Errorf("dynamodb: update item: %w", err)
	}
	return itemToLink(out.Attributes)
}

// Delete removes the item and reports whether it existed.
func (s *DynamoStore) Delete(ctx context.Context, conversationID string) (bool, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.tableName),
		Key:          conversationKey(conversationID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb: delete item: %w", err)
	}
	return out != nil && len(out.Attributes) > 0, nil
}

// DeleteInactive scans for stale items and deletes each one with a condition
// that re-checks last_used, so a link touched after the scan survives.
func (s *DynamoStore) DeleteInactive(ctx context.Context, before time.Time) ([]*Link, error) {
	cutoff := &types.AttributeValueMemberS{Value: formatTime(before)}
	names := map[string]string{"#lu": attrLastUsed}

	paginator := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tableName),
		FilterExpression:          aws.String("#lu < :cutoff"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoff},
		ConsistentRead:            aws.Bool(true),
	})

	var links []*Link
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return links, fmt.Errorf("dynamodb: scan: %w", err)
		}

		for _, item := range page.Items {
			candidate, err := itemToLink(item)
			if err != nil {
				return links, err
			}

			out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.tableName),
				Key:                       conversationKey(candidate.ConversationID),
				ConditionExpression:       aws.String("#lu < :cutoff"),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoff},
				ReturnValues:              types.ReturnValueAllOld,
			})
			if err != nil {
				if isConditionFailed(err) {
					continue
				}
				return links, fmt.Errorf("dynamodb: delete item: %w", err)
			}

			removed, err := itemToLink(out.Attributes)
			if err != nil {
				return links, err
			}
			links = append(links, removed)
		}
	}

	if len(links) > 0 {
		s.logger.Debug("deleted inactive links", "count", len(links), "before", before)
	}
	return links, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func conversationKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrConversationID: &types.AttributeValueMemberS{Value: conversationID},
	}
}

func linkItem(link *Link) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrConversationID: &types.AttributeValueMemberS{Value: link.ConversationID},
		attrThreadID:       &types.AttributeValueMemberS{Value: link.ThreadID},
		attrLastUsed:       &types.AttributeValueMemberS{Value: formatTime(link.LastUsed)},
	}
}

func itemToLink(item map[string]types.AttributeValue) (*Link, error) {
	conversationID, err := strAttr(item, attrConversationID)
	if err != nil {
		return nil, err
	}
	threadID, err := strAttr(item, attrThreadID)
	if err != nil {
		return nil, err
	}
	lastUsed, err := strAttr(item, attrLastUsed)
	if err != nil {
		return nil, err
	}
	t, err := parseTime(lastUsed)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: parse %q: %w", attrLastUsed, err)
	}
	return &Link{ConversationID: conversationID, ThreadID: threadID, LastUsed: t}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamodb: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamodb: attribute %q is not a string", key)
	}
	return s.Value, nil
}
