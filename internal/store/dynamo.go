package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rzbill/courier/internal/message"
	"github.com/rzbill/courier/pkg/clock"
	"github.com/rzbill/courier/pkg/id"
)

const (
	pkPrefixReceiver = "RCV#"
	skPrefixMsg      = "MSG#"
	skCursor         = "CURSOR"
	skArrival        = "ARRIVAL"
)

// dynamodbAPI is the subset of the DynamoDB client DynamoStore calls.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoStore keeps the offline log in a single DynamoDB table with a
// string partition key PK and string sort key SK:
//
//	PK=RCV#{receiver} SK=MSG#{sentAtMs:020d}#{id}  one item per message
//	PK=RCV#{receiver} SK=CURSOR                    highest committed read position
//	PK=RCV#{receiver} SK=ARRIVAL                   arrival counter (seq)
//
// Message items carry unread=true until acknowledged and an arrival number
// taken from the counter. ARRIVAL and CURSOR both sort before MSG#.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	clock     clock.Clock
}

// NewDynamoStore wraps an existing client.
func NewDynamoStore(api dynamodbAPI, tableName string, clk clock.Clock) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: dynamodb table name must not be empty")
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &DynamoStore{api: api, tableName: tableName, clock: clk}, nil
}

// DynamoOptions selects the table and, for local testing, a custom endpoint.
type DynamoOptions struct {
	Table    string
	Region   string
	Endpoint string
}

// OpenDynamoStore builds a client from the default AWS credential chain.
func OpenDynamoStore(ctx context.Context, opts DynamoOptions, clk clock.Clock) (*DynamoStore, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return NewDynamoStore(client, opts.Table, clk)
}

func receiverPK(receiverID string) string { return pkPrefixReceiver + receiverID }

func messageSK(p position) string {
	return fmt.Sprintf("%s%020d#%s", skPrefixMsg, p.sentAtMs, p.id)
}

func parseMessageSK(sk string) (position, error) {
	rest, ok := strings.CutPrefix(sk, skPrefixMsg)
	if !ok {
		return position{}, ErrInvalidCursor
	}
	msStr, idStr, ok := strings.Cut(rest, "#")
	if !ok {
		return position{}, ErrInvalidCursor
	}
	ms, err := strconv.ParseInt(msStr, 10, 64)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	mid, err := id.Parse(idStr)
	if err != nil {
		return position{}, ErrInvalidCursor
	}
	return position{sentAtMs: ms, id: mid}, nil
}

func (s *DynamoStore) Upsert(ctx context.Context, m StoredMessage) error {
	if m.ReceiverID == "" || m.ID.IsZero() {
		return errors.New("store: receiver and id are required")
	}
	if m.StoredAt.IsZero() {
		m.StoredAt = s.clock.Now().UTC()
	}
	item := storedItem(m)
	item["unread"] = &types.AttributeValueMemberBOOL{Value: true}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	var exists *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &exists) {
		return message.Transient("store.upsert", fmt.Errorf("dynamodb put: %w", err))
	}
	// A replay still stamps the arrival when an earlier attempt stopped
	// between the put and this update.
	seq, err := s.nextArrival(ctx, m.ReceiverID)
	if err != nil {
		return err
	}
	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 itemKey(m.ReceiverID, messageSK(positionOf(m.ChatMessage))),
		UpdateExpression:    aws.String("SET arrival = :seq"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(arrival)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":seq": numAttr(seq),
		},
	})
	if errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return message.Transient("store.upsert", fmt.Errorf("dynamodb update arrival: %w", err))
	}
	return nil
}

func itemKey(receiverID, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: receiverPK(receiverID)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func numAttr(n uint64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatUint(n, 10)}
}

func (s *DynamoStore) nextArrival(ctx context.Context, receiverID string) (uint64, error) {
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              itemKey(receiverID, skArrival),
		UpdateExpression: aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numAttr(1),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, message.Transient("store.upsert", fmt.Errorf("dynamodb arrival counter: %w", err))
	}
	if out == nil {
		return 0, errors.New("store: arrival counter returned nothing")
	}
	return uint64Attr(out.Attributes, "seq")
}

func (s *DynamoStore) arrivals(ctx context.Context, receiverID string) (uint64, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(receiverID, skArrival),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, message.Transient("store.fetch", fmt.Errorf("dynamodb get: %w", err))
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	return uint64Attr(out.Item, "seq")
}

func (s *DynamoStore) FetchSince(ctx context.Context, receiverID string, after Cursor, limit int) (Page, error) {
	limit = ClampLimit(limit)
	from, err := decodeCursor(after)
	if err != nil {
		return Page{}, err
	}
	seen, err := s.arrivals(ctx, receiverID)
	if err != nil {
		return Page{}, err
	}

	in := &dynamodb.QueryInput{
		TableName:        aws.String(s.tableName),
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(int32(limit + 1)),
	}
	if from.isZero() {
		in.KeyConditionExpression = aws.String("PK = :pk AND begins_with(SK, :prefix)")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: receiverPK(receiverID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		}
	} else {
		in.KeyConditionExpression = aws.String("PK = :pk AND SK > :after")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":pk":    &types.AttributeValueMemberS{Value: receiverPK(receiverID)},
			":after": &types.AttributeValueMemberS{Value: messageSK(from.position)},
		}
	}
	if from.unread {
		in.FilterExpression = aws.String("attribute_exists(unread)")
	}

	page := Page{Messages: make([]StoredMessage, 0, limit)}
	// Limit counts items before the filter, so keep paging until one row past
	// the page is found or the partition ends.
	for !page.HasMore {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return Page{}, message.Transient("store.fetch", fmt.Errorf("dynamodb query: %w", err))
		}
		for _, item := range out.Items {
			if len(page.Messages) == limit {
				page.HasMore = true
				break
			}
			m, err := itemToStored(item)
			if err != nil {
				return Page{}, fmt.Errorf("store: decode item: %w", err)
			}
			page.Messages = append(page.Messages, m)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	page.NextCursor = nextCursor(after, from, seen, page.Messages)
	return page, nil
}

func (s *DynamoStore) CommitRead(ctx context.Context, receiverID string, c Cursor) error {
	t, err := decodeCursor(c)
	if err != nil {
		return err
	}
	if t.isZero() {
		return nil
	}
	upTo := messageSK(t.position)
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :lo AND :hi"),
		FilterExpression:       aws.String("attribute_exists(unread) AND arrival <= :seen"),
		ProjectionExpression:   aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: receiverPK(receiverID)},
			":lo":   &types.AttributeValueMemberS{Value: skPrefixMsg},
			":hi":   &types.AttributeValueMemberS{Value: upTo},
			":seen": numAttr(t.seen),
		},
	}
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return message.Transient("store.commit_read", fmt.Errorf("dynamodb query: %w", err))
		}
		for _, item := range out.Items {
			if err := s.markRead(ctx, item, t.seen); err != nil {
				return err
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 itemKey(receiverID, skCursor),
		UpdateExpression:    aws.String("SET pos = :pos"),
		ConditionExpression: aws.String("attribute_not_exists(pos) OR pos < :pos"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pos": &types.AttributeValueMemberS{Value: upTo},
		},
	})
	var behind *types.ConditionalCheckFailedException
	if errors.As(err, &behind) {
		return nil
	}
	if err != nil {
		return message.Transient("store.commit_read", fmt.Errorf("dynamodb update: %w", err))
	}
	return nil
}

func (s *DynamoStore) markRead(ctx context.Context, item map[string]types.AttributeValue, seen uint64) error {
	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
		UpdateExpression:    aws.String("REMOVE unread"),
		ConditionExpression: aws.String("arrival <= :seen"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":seen": numAttr(seen),
		},
	})
	var stale *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &stale) {
		return message.Transient("store.commit_read", fmt.Errorf("dynamodb mark read: %w", err))
	}
	return nil
}

func (s *DynamoStore) ReadPosition(ctx context.Context, receiverID string) (Cursor, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            itemKey(receiverID, skCursor),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", message.Transient("store.read_position", fmt.Errorf("dynamodb get: %w", err))
	}
	if out == nil || len(out.Item) == 0 {
		return "", nil
	}
	pos, err := strAttr(out.Item, "pos")
	if err != nil {
		return "", err
	}
	p, err := parseMessageSK(pos)
	if err != nil {
		return "", err
	}
	return encodeCursor(token{position: p, seen: math.MaxUint64}), nil
}

func storedItem(m StoredMessage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: receiverPK(m.ReceiverID)},
		"SK":         &types.AttributeValueMemberS{Value: messageSK(positionOf(m.ChatMessage))},
		"id":         &types.AttributeValueMemberS{Value: m.ID.String()},
		"senderId":   &types.AttributeValueMemberS{Value: m.SenderID},
		"receiverId": &types.AttributeValueMemberS{Value: m.ReceiverID},
		"sentAtMs":   &types.AttributeValueMemberN{Value: strconv.FormatInt(m.SentAtMs(), 10)},
		"body":       &types.AttributeValueMemberS{Value: m.Body},
		"flagged":    &types.AttributeValueMemberBOOL{Value: m.Flagged},
		"storedAtMs": &types.AttributeValueMemberN{Value: strconv.FormatInt(m.StoredAt.UnixMilli(), 10)},
	}
	if m.AttachmentRef != "" {
		item["attachmentRef"] = &types.AttributeValueMemberS{Value: m.AttachmentRef}
	}
	return item
}

func itemToStored(item map[string]types.AttributeValue) (StoredMessage, error) {
	var m StoredMessage
	idStr, err := strAttr(item, "id")
	if err != nil {
		return m, err
	}
	if m.ID, err = id.Parse(idStr); err != nil {
		return m, fmt.Errorf("store: attribute \"id\": %w", err)
	}
	if m.SenderID, err = strAttr(item, "senderId"); err != nil {
		return m, err
	}
	if m.ReceiverID, err = strAttr(item, "receiverId"); err != nil {
		return m, err
	}
	if m.Body, err = strAttr(item, "body"); err != nil {
		return m, err
	}
	sentAt, err := int64Attr(item, "sentAtMs")
	if err != nil {
		return m, err
	}
	m.SentAt = time.UnixMilli(sentAt).UTC()
	if storedAt, err := int64Attr(item, "storedAtMs"); err == nil {
		m.StoredAt = time.UnixMilli(storedAt).UTC()
	}
	m.AttachmentRef, _ = strAttr(item, "attachmentRef")
	if v, ok := item["flagged"].(*types.AttributeValueMemberBOOL); ok {
		m.Flagged = v.Value
	}
	m.State = message.StatePersisted
	return m, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("store: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func uint64Attr(item map[string]types.AttributeValue, key string) (uint64, error) {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("store: attribute %q is not a number", key)
	}
	n, err := strconv.ParseUint(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("store: parse attribute %q: %w", key, err)
	}
	return n, nil
}
