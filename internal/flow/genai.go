package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/genai"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

const reasonerSystemPrompt = `Você é um assistente que registra gastos pessoais conversando em português pelo WhatsApp.
Extraia do diálogo os campos do gasto e chame as funções disponíveis:
- extract_or_update_slot para preencher ou corrigir campos (valor, descrição, forma de pagamento, cartão, parcelas, responsável);
- request_clarification quando precisar perguntar algo ao usuário;
- finalize quando todos os campos estiverem preenchidos.
Use apenas valores ditos pelo usuário. Nunca invente campos.`

// GenAIReasoner asks an OpenAI function-calling model for the turn's actions.
type GenAIReasoner struct {
	Client genai.ClientInterface
	canon  *canon.Canonicalizer
}

var _ Reasoner = (*GenAIReasoner)(nil)

// NewGenAIReasoner creates a GenAIReasoner. A nil canonicalizer means the
// default tables.
func NewGenAIReasoner(client genai.ClientInterface, c *canon.Canonicalizer) *GenAIReasoner {
	if c == nil {
		c = canon.Default()
	}
	return &GenAIReasoner{Client: client, canon: c}
}

// ProposeActions implements Reasoner.
func (g *GenAIReasoner) ProposeActions(ctx context.Context, req ReasoningRequest) ([]models.Action, error) {
	messages, err := g.buildMessages(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.Client.GenerateWithTools(ctx, messages, g.ToolDefinitions())
	if err != nil {
		return nil, err
	}

	var actions []models.Action
	for _, tc := range resp.ToolCalls {
		slog.Debug("GenAIReasoner.ProposeActions: tool call", "name", tc.Name, "args", formatToolArgumentsForLog(json.RawMessage(tc.Arguments)))
		action, err := models.FunctionCall{Name: tc.Name, Arguments: json.RawMessage(tc.Arguments)}.ToAction()
		if err != nil {
			slog.Warn("GenAIReasoner.ProposeActions: unusable tool call skipped", "name", tc.Name, "error", err)
			continue
		}
		actions = append(actions, action)
	}
	// A model that answers in prose is asking a question.
	if len(actions) == 0 && strings.TrimSpace(resp.Content) != "" {
		actions = append(actions, models.Clarify(resp.Content))
	}
	return actions, nil
}

func (g *GenAIReasoner) buildMessages(req ReasoningRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	slots, err := json.Marshal(req.Slots)
	if err != nil {
		return nil, fmt.Errorf("failed to encode slots: %w", err)
	}
	status := fmt.Sprintf("Fase atual: %s\nCampos preenchidos: %s", req.Phase, slots)

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(reasonerSystemPrompt),
		openai.SystemMessage(status),
	}
	for _, m := range req.Log {
		switch m.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(m.Text))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		}
	}
	return messages, nil
}

// ToolDefinitions returns the fixed function-calling schema of the dialogue.
func (g *GenAIReasoner) ToolDefinitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(models.ActionExtractOrUpdateSlot),
				Description: openai.String("Preenche ou corrige campos do gasto em andamento. Envie apenas os campos informados pelo usuário."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"amount": map[string]interface{}{
							"type":        "string",
							"description": "Valor do gasto como escrito pelo usuário, ex.: \"180,50\" ou \"1.234,56\"",
						},
						"description": map[string]interface{}{
							"type":        "string",
							"description": "Descrição curta do gasto, ex.: \"posto\" ou \"mercado\"",
						},
						"paymentMethod": map[string]interface{}{
							"type":        "string",
							"enum":        optionValues(g.canon, canon.KindPaymentMethod),
							"description": "Forma de pagamento",
						},
						"cardIssuer": map[string]interface{}{
							"type":        "string",
							"description": "Banco emissor do cartão de crédito",
						},
						"installments": map[string]interface{}{
							"type":        "integer",
							"minimum":     1,
							"description": "Número de parcelas no cartão de crédito (1 para à vista)",
						},
						"responsible": map[string]interface{}{
							"type":        "string",
							"enum":        optionValues(g.canon, canon.KindResponsible),
							"description": "Quem é responsável pelo gasto",
						},
					},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(models.ActionRequestClarification),
				Description: openai.String("Faz uma pergunta ao usuário para esclarecer ou completar o gasto."),
				Parameters: shared.FunctionParameters{
					"type": "object",
					"properties": map[string]interface{}{
						"question": map[string]interface{}{
							"type":        "string",
							"description": "Pergunta em português a ser enviada ao usuário",
						},
					},
					"required": []string{"question"},
				},
			},
		},
		{
			Type: "function",
			Function: shared.FunctionDefinitionParam{
				Name:        string(models.ActionFinalize),
				Description: openai.String("Indica que todos os campos do gasto foram informados."),
				Parameters: shared.FunctionParameters{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			},
		},
	}
}

func optionValues(c *canon.Canonicalizer, kind canon.Kind) []string {
	opts := c.Options(kind)
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		out = append(out, string(o.Value))
	}
	return out
}
