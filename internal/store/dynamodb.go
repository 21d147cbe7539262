package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// Single-table layout. Every item carries PK, SK and entityType.
const (
	pkConversation = "CONV#"
	pkExpense      = "EXPENSE#"
	pkSource       = "SOURCE#"
	pkConfirmation = "CONFIRM#"
	skState        = "STATE"
	skExpense      = "EXPENSE"
	skSource       = "SOURCE"
	skConfirmation = "CONFIRM"

	entityConversation = "conversation"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps conversations and expenses in one DynamoDB table. It is
// the backend of the serverless sweeper; the job queue stays on SQL.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore on tableName.
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("store: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("store: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func (s *DynamoStore) Close() error { return nil }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string) (map[string]types.AttributeValue, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            key(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	return out.Item, nil
}

func (s *DynamoStore) GetConversation(ctx context.Context, address string) (*models.ConversationState, error) {
	item, err := s.getItem(ctx, pkConversation+address, skState)
	if err != nil {
		return nil, fmt.Errorf("store: GetConversation: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	state, err := itemToConversation(item)
	if err != nil {
		return nil, fmt.Errorf("store: GetConversation decode: %w", err)
	}
	return state, nil
}

func (s *DynamoStore) UpsertConversation(ctx context.Context, state *models.ConversationState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	item, err := conversationItem(state)
	if err != nil {
		return fmt.Errorf("store: UpsertConversation: %w", err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("store: UpsertConversation: %w", err)
	}
	return nil
}

func (s *DynamoStore) DeleteConversation(ctx context.Context, address string) error {
	if _, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       key(pkConversation+address, skState),
	}); err != nil {
		return fmt.Errorf("store: DeleteConversation: %w", err)
	}
	return nil
}

// scanConversations returns the keys of conversation items matching filter.
func (s *DynamoStore) scanConversations(ctx context.Context, filter string, values map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	values[":entity"] = &types.AttributeValueMemberS{Value: entityConversation}
	var keys []map[string]types.AttributeValue
	var start map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.tableName),
			FilterExpression:          aws.String("entityType = :entity AND " + filter),
			ExpressionAttributeNames:  map[string]string{"#phase": "phase"},
			ExpressionAttributeValues: values,
			ProjectionExpression:      aws.String("PK, SK"),
			ExclusiveStartKey:         start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) SweepAbandoned(ctx context.Context, cutoff, now time.Time) (int, error) {
	cond := "#phase <> :idle AND updatedAtMs < :cutoff"
	values := func() map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			":idle":   &types.AttributeValueMemberS{Value: string(models.PhaseIdle)},
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.UnixMilli(), 10)},
		}
	}
	keys, err := s.scanConversations(ctx, cond, values())
	if err != nil {
		return 0, fmt.Errorf("store: SweepAbandoned scan: %w", err)
	}
	n := 0
	for _, k := range keys {
		v := values()
		v[":empty"] = &types.AttributeValueMemberS{Value: "{}"}
		v[":emptyLog"] = &types.AttributeValueMemberS{Value: "[]"}
		v[":now"] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339Nano)}
		v[":nowMs"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)}
		_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       k,
			UpdateExpression:          aws.String("SET #phase = :idle, slots = :empty, messageLog = :emptyLog, updatedAt = :now, updatedAtMs = :nowMs"),
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  map[string]string{"#phase": "phase"},
			ExpressionAttributeValues: v,
		})
		if isConditionFailed(err) {
			// A live turn touched the row after the scan.
			continue
		}
		if err != nil {
			return n, fmt.Errorf("store: SweepAbandoned update: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *DynamoStore) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	cond := "#phase = :idle AND updatedAtMs < :cutoff"
	values := func() map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			":idle":   &types.AttributeValueMemberS{Value: string(models.PhaseIdle)},
			":cutoff": &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.UnixMilli(), 10)},
		}
	}
	keys, err := s.scanConversations(ctx, cond, values())
	if err != nil {
		return 0, fmt.Errorf("store: SweepExpired scan: %w", err)
	}
	n := 0
	for _, k := range keys {
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                 aws.String(s.tableName),
			Key:                       k,
			ConditionExpression:       aws.String(cond),
			ExpressionAttributeNames:  map[string]string{"#phase": "phase"},
			ExpressionAttributeValues: values(),
		})
		if isConditionFailed(err) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("store: SweepExpired delete: %w", err)
		}
		n++
	}
	return n, nil
}

func (s *DynamoStore) SaveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(ctx, draft, sourceMessageID, false)
}

func (s *DynamoStore) SavePendingExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string) (models.Expense, bool, error) {
	return s.saveExpense(ctx, draft, sourceMessageID, true)
}

// saveExpense writes the expense together with a SOURCE# guard item in one
// transaction, so a redelivered message can never create a second record.
func (s *DynamoStore) saveExpense(ctx context.Context, draft models.ExpenseDraft, sourceMessageID string, pending bool) (models.Expense, bool, error) {
	existing, err := s.GetExpenseBySourceMessageID(ctx, sourceMessageID)
	if err != nil {
		return models.Expense{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}

	e, err := newExpenseRecord(draft, sourceMessageID, pending, time.Now())
	if err != nil {
		return models.Expense{}, false, err
	}
	items := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.tableName),
			Item:                expenseItem(e),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		},
	}}
	if sourceMessageID != "" {
		guard := key(pkSource+sourceMessageID, skSource)
		guard["expenseId"] = &types.AttributeValueMemberS{Value: e.ID}
		guard["entityType"] = &types.AttributeValueMemberS{Value: "source"}
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		})
	}
	if _, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && sourceMessageID != "" {
			existing, lookupErr := s.GetExpenseBySourceMessageID(ctx, sourceMessageID)
			if lookupErr != nil {
				return models.Expense{}, false, lookupErr
			}
			if existing != nil {
				return *existing, false, nil
			}
		}
		return models.Expense{}, false, fmt.Errorf("store: SaveExpense: %w", err)
	}
	slog.Info("DynamoStore.saveExpense: expense created", "expenseID", e.ID, "status", e.Status, "address", e.Address)
	return e, true, nil
}

func (s *DynamoStore) GetExpense(ctx context.Context, id string) (*models.Expense, error) {
	item, err := s.getItem(ctx, pkExpense+id, skExpense)
	if err != nil {
		return nil, fmt.Errorf("store: GetExpense: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	e, err := itemToExpense(item)
	if err != nil {
		return nil, fmt.Errorf("store: GetExpense decode: %w", err)
	}
	return e, nil
}

func (s *DynamoStore) GetExpenseBySourceMessageID(ctx context.Context, sourceMessageID string) (*models.Expense, error) {
	if sourceMessageID == "" {
		return nil, nil
	}
	item, err := s.getItem(ctx, pkSource+sourceMessageID, skSource)
	if err != nil {
		return nil, fmt.Errorf("store: GetExpenseBySourceMessageID: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	id, err := strAttr(item, "expenseId")
	if err != nil {
		return nil, fmt.Errorf("store: GetExpenseBySourceMessageID: %w", err)
	}
	return s.GetExpense(ctx, id)
}

func (s *DynamoStore) ApplyConfirmation(ctx context.Context, expenseID string, responsible canon.Value) (models.Expense, error) {
	if err := checkResponsible(responsible); err != nil {
		return models.Expense{}, err
	}
	now := time.Now().UTC()
	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(s.tableName),
		Key:                      key(pkExpense+expenseID, skExpense),
		UpdateExpression:         aws.String("SET responsible = :resp, split = :split, #status = :confirmed, confirmedAt = :at"),
		ConditionExpression:      aws.String("#status = :pending"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":resp":      &types.AttributeValueMemberS{Value: string(responsible)},
			":split":     &types.AttributeValueMemberBOOL{Value: responsible == canon.ResponsibleShared},
			":confirmed": &types.AttributeValueMemberS{Value: string(models.ExpenseStatusConfirmed)},
			":pending":   &types.AttributeValueMemberS{Value: string(models.ExpenseStatusPending)},
			":at":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err == nil {
		e, decodeErr := itemToExpense(out.Attributes)
		if decodeErr != nil {
			return models.Expense{}, fmt.Errorf("store: ApplyConfirmation decode: %w", decodeErr)
		}
		return *e, nil
	}
	if !isConditionFailed(err) {
		return models.Expense{}, fmt.Errorf("store: ApplyConfirmation: %w", err)
	}
	existing, err := s.GetExpense(ctx, expenseID)
	if err != nil {
		return models.Expense{}, err
	}
	return resolveConfirmation(existing, responsible)
}

func (s *DynamoStore) RecordConfirmationRequest(ctx context.Context, req models.ConfirmationRequest) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	item := key(pkConfirmation+req.ContextMessageID, skConfirmation)
	item["entityType"] = &types.AttributeValueMemberS{Value: "confirmation_request"}
	item["contextMessageId"] = &types.AttributeValueMemberS{Value: req.ContextMessageID}
	item["expenseId"] = &types.AttributeValueMemberS{Value: req.ExpenseID}
	item["address"] = &types.AttributeValueMemberS{Value: req.Address}
	item["createdAt"] = &types.AttributeValueMemberS{Value: req.CreatedAt.UTC().Format(time.RFC3339Nano)}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("store: RecordConfirmationRequest: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetConfirmationRequest(ctx context.Context, contextMessageID string) (*models.ConfirmationRequest, error) {
	item, err := s.getItem(ctx, pkConfirmation+contextMessageID, skConfirmation)
	if err != nil {
		return nil, fmt.Errorf("store: GetConfirmationRequest: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	req := models.ConfirmationRequest{ContextMessageID: contextMessageID}
	if req.ExpenseID, err = strAttr(item, "expenseId"); err != nil {
		return nil, fmt.Errorf("store: GetConfirmationRequest: %w", err)
	}
	req.Address, _ = strAttr(item, "address")
	req.CreatedAt, _ = timeAttr(item, "createdAt")
	return &req, nil
}

func conversationItem(state *models.ConversationState) (map[string]types.AttributeValue, error) {
	slotsJSON, logJSON, err := encodeConversation(state)
	if err != nil {
		return nil, err
	}
	item := key(pkConversation+state.Address, skState)
	item["entityType"] = &types.AttributeValueMemberS{Value: entityConversation}
	item["address"] = &types.AttributeValueMemberS{Value: state.Address}
	item["phase"] = &types.AttributeValueMemberS{Value: string(state.Phase)}
	item["slots"] = &types.AttributeValueMemberS{Value: slotsJSON}
	item["messageLog"] = &types.AttributeValueMemberS{Value: logJSON}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: state.UpdatedAt.UTC().Format(time.RFC3339Nano)}
	item["updatedAtMs"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(state.UpdatedAt.UnixMilli(), 10)}
	return item, nil
}

// itemToConversation reuses the SQL row decoder through a rowScanner adapter.
func itemToConversation(item map[string]types.AttributeValue) (*models.ConversationState, error) {
	address, err := strAttr(item, "address")
	if err != nil {
		return nil, err
	}
	phase, err := strAttr(item, "phase")
	if err != nil {
		return nil, err
	}
	slots, _ := strAttr(item, "slots")
	log, _ := strAttr(item, "messageLog")
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return nil, err
	}
	return scanConversation(attrRow{address, phase, slots, log, updatedAt})
}

// attrRow feeds already-decoded attribute values to the SQL scan helpers.
type attrRow []interface{}

func (r attrRow) Scan(dest ...interface{}) error {
	if len(dest) != len(r) {
		return fmt.Errorf("attrRow: expected %d destinations, got %d", len(r), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r[i].(string)
		case *models.Phase:
			*p = models.Phase(r[i].(string))
		case *time.Time:
			*p = r[i].(time.Time)
		case interface{ Scan(interface{}) error }:
			if err := p.Scan(r[i]); err != nil {
				return err
			}
		default:
			return fmt.Errorf("attrRow: unsupported destination %T", d)
		}
	}
	return nil
}

func expenseItem(e models.Expense) map[string]types.AttributeValue {
	item := key(pkExpense+e.ID, skExpense)
	item["entityType"] = &types.AttributeValueMemberS{Value: "expense"}
	item["id"] = &types.AttributeValueMemberS{Value: e.ID}
	item["address"] = &types.AttributeValueMemberS{Value: e.Address}
	item["date"] = &types.AttributeValueMemberS{Value: e.Date}
	item["description"] = &types.AttributeValueMemberS{Value: e.Description}
	item["amount"] = &types.AttributeValueMemberN{Value: e.Amount.StringFixed(models.AmountPlaces)}
	item["category"] = &types.AttributeValueMemberS{Value: e.Category}
	item["paymentMethod"] = &types.AttributeValueMemberS{Value: string(e.PaymentMethod)}
	item["split"] = &types.AttributeValueMemberBOOL{Value: e.Split}
	item["status"] = &types.AttributeValueMemberS{Value: string(e.Status)}
	item["createdAt"] = &types.AttributeValueMemberS{Value: e.CreatedAt.UTC().Format(time.RFC3339Nano)}
	if e.CardIssuer != "" {
		item["cardIssuer"] = &types.AttributeValueMemberS{Value: e.CardIssuer}
	}
	if e.Installments != 0 {
		item["installments"] = &types.AttributeValueMemberN{Value: strconv.Itoa(e.Installments)}
	}
	if e.Responsible != "" {
		item["responsible"] = &types.AttributeValueMemberS{Value: string(e.Responsible)}
	}
	if e.ConfirmedAt != nil {
		item["confirmedAt"] = &types.AttributeValueMemberS{Value: e.ConfirmedAt.UTC().Format(time.RFC3339Nano)}
	}
	if e.SourceMessageID != "" {
		item["sourceMessageId"] = &types.AttributeValueMemberS{Value: e.SourceMessageID}
	}
	return item
}

func itemToExpense(item map[string]types.AttributeValue) (*models.Expense, error) {
	var e models.Expense
	var err error
	if e.ID, err = strAttr(item, "id"); err != nil {
		return nil, err
	}
	if e.Address, err = strAttr(item, "address"); err != nil {
		return nil, err
	}
	if e.Description, err = strAttr(item, "description"); err != nil {
		return nil, err
	}
	amount, err := numAttr(item, "amount")
	if err != nil {
		return nil, err
	}
	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("store: parse attribute %q: %w", "amount", err)
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return nil, err
	}
	e.Status = models.ExpenseStatus(status)
	e.Date, _ = strAttr(item, "date")
	e.Category, _ = strAttr(item, "category")
	method, _ := strAttr(item, "paymentMethod")
	e.PaymentMethod = canon.Value(method)
	e.CardIssuer, _ = strAttr(item, "cardIssuer")
	if n, err := numAttr(item, "installments"); err == nil {
		e.Installments, _ = strconv.Atoi(n)
	}
	responsible, _ := strAttr(item, "responsible")
	e.Responsible = canon.Value(responsible)
	if b, ok := item["split"].(*types.AttributeValueMemberBOOL); ok {
		e.Split = b.Value
	}
	if t, err := timeAttr(item, "confirmedAt"); err == nil {
		e.ConfirmedAt = &t
	}
	e.SourceMessageID, _ = strAttr(item, "sourceMessageId")
	e.CreatedAt, _ = timeAttr(item, "createdAt")
	return &e, nil
}

func strAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", name)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a string", name)
	}
	return s.Value, nil
}

func numAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name]
	if !ok {
		return "", fmt.Errorf("store: missing attribute %q", name)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return "", fmt.Errorf("store: attribute %q is not a number", name)
	}
	return n.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, name string) (time.Time, error) {
	s, err := strAttr(item, name)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse attribute %q: %w", name, err)
	}
	return t.UTC(), nil
}
