package payman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

// Client представляет клиент для работы с API прямого дебета (Payman)
type Client struct {
	baseURL     string
	merchantID  string
	callbackURL string
	httpClient  *http.Client
	log         *logger.Logger
}

// Config конфигурация для клиента шлюза
type Config struct {
	BaseURL     string
	MerchantID  string
	CallbackURL string
	Timeout     time.Duration
	Sandbox     bool
}

// NewClient создает новый клиент платежного шлюза
func NewClient(cfg Config, log *logger.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.zarinpal.com"
	}
	if cfg.Sandbox {
		baseURL = "https://sandbox.zarinpal.com"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		merchantID:  cfg.MerchantID,
		callbackURL: cfg.CallbackURL,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
	}
}

// responseEnvelope общий конверт ответа шлюза
type responseEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

type gatewayErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// post выполняет POST-запрос к шлюзу и распаковывает конверт ответа.
// HTTP-статус сам по себе не интерпретируется: категория ошибки
// определяется только числовым кодом шлюза.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Транспортная ошибка неотличима от недоступности сервиса
		return domain.NewGatewayError(domain.GatewayErrorTransient, 0, "gateway request failed", err)
	}
	defer resp.Body.Close()

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return domain.NewGatewayError(domain.GatewayErrorTransient, 0, "malformed gateway response", err)
	}

	// Поле errors может быть пустым массивом или объектом с кодом
	if len(envelope.Errors) > 0 && string(envelope.Errors) != "[]" && string(envelope.Errors) != "null" {
		var gwErr gatewayErrorBody
		if err := json.Unmarshal(envelope.Errors, &gwErr); err == nil && gwErr.Code != 0 {
			return newGatewayError(gwErr.Code, gwErr.Message, nil)
		}
	}

	if len(envelope.Data) == 0 || string(envelope.Data) == "null" || string(envelope.Data) == "[]" {
		return domain.NewGatewayError(domain.GatewayErrorTransient, 0, "empty gateway response data", nil)
	}

	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return domain.NewGatewayError(domain.GatewayErrorTransient, 0, "failed to decode gateway response data", err)
	}

	return nil
}

// ContractRequestResult результат запроса контракта
type ContractRequestResult struct {
	Authority string `json:"payman_authority"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// RequestContract запрашивает у шлюза новый дебетовый контракт
func (c *Client) RequestContract(ctx context.Context, mobile, ssn string, expireAt time.Time, maxDailyAmount int64, maxDailyCount, maxMonthlyCount int) (*ContractRequestResult, error) {
	c.log.Debug("Requesting direct debit contract for mobile: %s", mobile)

	payload := map[string]interface{}{
		"merchant_id":       c.merchantID,
		"mobile":            mobile,
		"expire_at":         expireAt.Format("2006-01-02 15:04:05"),
		"max_daily_count":   maxDailyCount,
		"max_monthly_count": maxMonthlyCount,
		"max_amount":        maxDailyAmount,
		"callback_url":      c.callbackURL,
	}
	if ssn != "" {
		payload["ssn"] = ssn
	}

	var result ContractRequestResult
	if err := c.post(ctx, "/pg/v4/payman/request.json", payload, &result); err != nil {
		return nil, err
	}

	if !IsSuccessCode(result.Code) {
		return nil, newGatewayError(result.Code, result.Message, nil)
	}

	if result.Authority == "" {
		return nil, domain.ErrGatewayUnavailable
	}

	c.log.Info("Contract requested successfully, authority: %s", result.Authority)
	return &result, nil
}

type bankListResult struct {
	Banks []bankEntry `json:"banks"`
	Code  int         `json:"code"`
}

type bankEntry struct {
	Name              string `json:"name"`
	Slug              string `json:"slug"`
	BankCode          string `json:"bank_code"`
	MaxDailyAmount    int64  `json:"max_daily_amount"`
	MaxDailyCount     int    `json:"max_daily_count"`
	MaxContractAmount int64  `json:"max_verify_amount"`
}

// GetBankList возвращает список банков, поддерживающих прямой дебет
func (c *Client) GetBankList(ctx context.Context) ([]domain.Bank, error) {
	c.log.Debug("Fetching direct debit bank list")

	payload := map[string]interface{}{
		"merchant_id": c.merchantID,
	}

	var result bankListResult
	if err := c.post(ctx, "/pg/v4/payman/banksList.json", payload, &result); err != nil {
		return nil, err
	}

	if len(result.Banks) == 0 {
		return nil, domain.ErrGatewayUnavailable
	}

	banks := make([]domain.Bank, 0, len(result.Banks))
	for _, b := range result.Banks {
		banks = append(banks, domain.Bank{
			Name:              b.Name,
			Slug:              b.Slug,
			BankCode:          b.BankCode,
			MaxDailyAmount:    b.MaxDailyAmount,
			MaxDailyCount:     b.MaxDailyCount,
			MaxContractAmount: b.MaxContractAmount,
		})
	}

	return banks, nil
}

// SigningURL возвращает шаблон URL подписания контракта.
// Плейсхолдер {bank_code} заменяется на выбранный пользователем банк.
func (c *Client) SigningURL(authority string) string {
	return fmt.Sprintf("%s/pg/StartPayman/%s/{bank_code}", c.baseURL, authority)
}

// ContractVerifyGatewayResult результат обмена authority на подпись
type ContractVerifyGatewayResult struct {
	Signature string `json:"signature"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

// VerifyContract обменивает authority на подпись контракта.
// Отсутствие подписи при успешном транспортном обмене считается бизнес-исходом,
// возвращается как данные с кодом шлюза.
func (c *Client) VerifyContract(ctx context.Context, authority string) (*ContractVerifyGatewayResult, error) {
	c.log.Debug("Verifying contract authority: %s", authority)

	payload := map[string]interface{}{
		"merchant_id":      c.merchantID,
		"payman_authority": authority,
	}

	var result ContractVerifyGatewayResult
	if err := c.post(ctx, "/pg/v4/payman/verify.json", payload, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ChargeResult результат прямого списания
type ChargeResult struct {
	Authority string `json:"authority"`
	RefID     string `json:"reference_id"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

type paymentRequestResult struct {
	Authority string `json:"authority"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

type checkoutResult struct {
	RefID   json.Number `json:"reference_id"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
}

// Charge выполняет прямое списание по подписи контракта: сначала создается
// платежная сессия (authority), затем она закрывается чекаутом по подписи.
func (c *Client) Charge(ctx context.Context, signature string, amount int64, description string, metadata map[string]string) (*ChargeResult, error) {
	c.log.Debug("Charging %d via direct debit", amount)

	requestPayload := map[string]interface{}{
		"merchant_id":  c.merchantID,
		"amount":       amount,
		"currency":     "IRR",
		"description":  description,
		"callback_url": c.callbackURL,
	}
	if len(metadata) > 0 {
		requestPayload["metadata"] = metadata
	}

	var request paymentRequestResult
	if err := c.post(ctx, "/pg/v4/payment/request.json", requestPayload, &request); err != nil {
		return nil, err
	}

	if !IsSuccessCode(request.Code) || request.Authority == "" {
		return nil, newGatewayError(request.Code, request.Message, nil)
	}

	checkoutPayload := map[string]interface{}{
		"merchant_id": c.merchantID,
		"authority":   request.Authority,
		"signature":   signature,
	}

	var checkout checkoutResult
	if err := c.post(ctx, "/pg/v4/payman/checkout.json", checkoutPayload, &checkout); err != nil {
		// Сессия уже создана: отдаем authority вызывающему, чтобы
		// вебхук мог свериться с этим платежом позже
		if gwErr, ok := err.(*domain.GatewayError); ok {
			return &ChargeResult{Authority: request.Authority, Code: gwErr.Code, Message: gwErr.Message}, err
		}
		return &ChargeResult{Authority: request.Authority}, err
	}

	if !IsSuccessCode(checkout.Code) {
		err := newGatewayError(checkout.Code, checkout.Message, nil)
		return &ChargeResult{Authority: request.Authority, Code: checkout.Code, Message: checkout.Message}, err
	}

	c.log.Info("Direct debit charge succeeded, ref_id: %s", checkout.RefID.String())
	return &ChargeResult{
		Authority: request.Authority,
		RefID:     checkout.RefID.String(),
		Code:      checkout.Code,
		Message:   checkout.Message,
	}, nil
}

// PaymentVerifyResult результат серверной верификации платежа
type PaymentVerifyResult struct {
	RefID   json.Number `json:"ref_id"`
	Code    int         `json:"code"`
	Message string      `json:"message"`
}

// VerifyPayment независимо подтверждает платеж на стороне шлюза.
// Используется при сверке вебхуков: флагу успеха в payload верить нельзя.
func (c *Client) VerifyPayment(ctx context.Context, authority string, amount int64) (*PaymentVerifyResult, error) {
	c.log.Debug("Verifying payment authority: %s", authority)

	payload := map[string]interface{}{
		"merchant_id": c.merchantID,
		"authority":   authority,
		"amount":      amount,
	}

	var result PaymentVerifyResult
	if err := c.post(ctx, "/pg/v4/payment/verify.json", payload, &result); err != nil {
		return nil, err
	}

	return &result, nil
}
