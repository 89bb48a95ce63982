package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"animalchat-engine/internal/domain"
)

const (
	pkSessionPrefix = "SESSION#"
	skTurnPrefix    = "TURN#"
	pkTurnIDPrefix  = "TURNID#"
	skTurnIDMarker  = "TURNID#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day retention
)

// ErrDuplicateTurn is returned when a turn with the same turnId has already
// been persisted. The turnId conditional put is what makes terminal writes
// at-most-once.
var ErrDuplicateTurn = errors.New("repository: turn already persisted")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding conversation turns. Each turn is two
// items written in one transaction: the turn record under the session
// partition (secondary lookup by sessionId + createdAt) and an idempotency
// marker keyed by turnId.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func sessionPK(sessionID string) string {
	return pkSessionPrefix + sessionID
}

// turnSK orders turns chronologically within a session partition; the turnId
// suffix keeps keys unique when two turns share a timestamp.
func turnSK(createdAt time.Time, turnID string) string {
	return skTurnPrefix + createdAt.UTC().Format(time.RFC3339Nano) + "#" + turnID
}

func turnIDPK(turnID string) string {
	return pkTurnIDPrefix + turnID
}

func ttlValue(now time.Time) int64 {
	return now.Add(ttlDuration).Unix()
}

// AppendTurn atomically persists one terminal turn record. The whole record
// is written once; a duplicate turnId fails the transaction and maps to
// ErrDuplicateTurn.
func (c *Client) AppendTurn(ctx context.Context, turn domain.ConversationTurn) error {
	if turn.TurnID == "" || turn.SessionID == "" {
		return errors.New("repository: AppendTurn: turnId and sessionId are required")
	}
	if !turn.Status.Terminal() {
		return fmt.Errorf("repository: AppendTurn: non-terminal status %q", turn.Status)
	}

	item, err := turnItem(turn)
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":  &types.AttributeValueMemberS{Value: turnIDPK(turn.TurnID)},
						"SK":  &types.AttributeValueMemberS{Value: skTurnIDMarker},
						"ttl": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(turn.CreatedAt))},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err != nil {
		if isConditionalCheckFailure(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTurn, turn.TurnID)
		}
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// GetRecentHistory returns up to limit turns for a session in chronological
// order, newest window first.
func (c *Client) GetRecentHistory(ctx context.Context, sessionID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skTurnPrefix},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentHistory query: %w", err)
	}

	turns := make([]domain.ConversationTurn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetRecentHistory unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// GetSessionTurnCount returns the number of persisted turns for a session.
func (c *Client) GetSessionTurnCount(ctx context.Context, sessionID string) (int, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skTurnPrefix},
		},
		Select: types.SelectCount,
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetSessionTurnCount query: %w", err)
	}
	return int(out.Count), nil
}

// isConditionalCheckFailure reports whether a transaction was cancelled by a
// failed condition, i.e. the turnId or session slot already exists.
func isConditionalCheckFailure(err error) bool {
	var cancelled *types.TransactionCanceledException
	if !errors.As(err, &cancelled) {
		var conditional *types.ConditionalCheckFailedException
		return errors.As(err, &conditional)
	}
	for _, reason := range cancelled.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func turnItem(turn domain.ConversationTurn) (map[string]types.AttributeValue, error) {
	metadata, err := json.Marshal(turn.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	item := map[string]types.AttributeValue{
		"PK":          &types.AttributeValueMemberS{Value: sessionPK(turn.SessionID)},
		"SK":          &types.AttributeValueMemberS{Value: turnSK(turn.CreatedAt, turn.TurnID)},
		"turnId":      &types.AttributeValueMemberS{Value: turn.TurnID},
		"sessionId":   &types.AttributeValueMemberS{Value: turn.SessionID},
		"personaId":   &types.AttributeValueMemberS{Value: turn.PersonaID},
		"userMessage": &types.AttributeValueMemberS{Value: turn.UserMessage},
		"reply":       &types.AttributeValueMemberS{Value: turn.Reply},
		"status":      &types.AttributeValueMemberS{Value: string(turn.Status)},
		"createdAt":   &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"metadata":    &types.AttributeValueMemberS{Value: string(metadata)},
		"ttl":         &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue(turn.CreatedAt))},
	}
	if turn.CompletedAt != nil {
		item["completedAt"] = &types.AttributeValueMemberS{Value: turn.CompletedAt.UTC().Format(time.RFC3339Nano)}
	}
	return item, nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	turnID, err := strAttr(item, "turnId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	userMessage, err := strAttr(item, "userMessage")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	personaID, _ := strAttr(item, "personaId") // allow empty
	reply, _ := strAttr(item, "reply")         // allow empty
	status, _ := strAttr(item, "status")

	turn := domain.ConversationTurn{
		TurnID:      turnID,
		SessionID:   sessionID,
		PersonaID:   personaID,
		UserMessage: userMessage,
		Reply:       reply,
		Status:      domain.TurnStatus(status),
	}

	if raw, err := strAttr(item, "createdAt"); err == nil {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			turn.CreatedAt = ts
		}
	}
	if raw, err := strAttr(item, "completedAt"); err == nil {
		if ts, parseErr := time.Parse(time.RFC3339Nano, raw); parseErr == nil {
			turn.CompletedAt = &ts
		}
	}
	if raw, err := strAttr(item, "metadata"); err == nil && raw != "" {
		if parseErr := json.Unmarshal([]byte(raw), &turn.Metadata); parseErr != nil {
			return domain.ConversationTurn{}, fmt.Errorf("repository: decode metadata: %w", parseErr)
		}
	}
	return turn, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
