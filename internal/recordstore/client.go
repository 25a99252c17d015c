package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/pkg/cache"
	"flowrelay/pkg/circuitbreaker"
	"flowrelay/pkg/errors"
	"flowrelay/pkg/metrics"
)

const accessTokenHeader = "x-acs-dingtalk-access-token"

// Caches groups the client's lookup caches so the ops API can report on
// them alongside the client.
type Caches struct {
	Tokens *cache.Cache[string]
	Users  *cache.Cache[UserDetail]
	Depts  *cache.Cache[Department]
}

func NewCaches(cfg config.CacheConfig) Caches {
	return Caches{
		Tokens: cache.New[string]("token", time.Duration(cfg.TokenTTLSeconds)*time.Second, cfg.TokenMaxEntries),
		Users:  cache.New[UserDetail]("user", time.Duration(cfg.UserTTLSeconds)*time.Second, cfg.UserMaxEntries),
		Depts:  cache.New[Department]("dept", time.Duration(cfg.DeptTTLSeconds)*time.Second, cfg.DeptMaxEntries),
	}
}

// Client talks to the remote record store and directory. All calls are
// rate limited client-side; an optional circuit breaker sits around the
// HTTP exchange.
type Client struct {
	cfg       config.RecordStoreConfig
	appKey    string
	appSecret string

	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.Wrapper
	caches     Caches
	log        logger.Logger
}

func NewClient(cfg config.RecordStoreConfig, source config.SourceConfig, cbCfg config.CircuitBreakerConfig, caches Caches, log logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		cfg:        cfg,
		appKey:     source.AppKey,
		appSecret:  source.AppSecret,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		caches:     caches,
		log:        log,
	}

	if cbCfg.Enabled {
		bc := circuitbreaker.DefaultConfig("recordstore")
		if cbCfg.MaxRequests > 0 {
			bc.MaxRequests = cbCfg.MaxRequests
		}
		if cbCfg.Interval > 0 {
			bc.Interval = cbCfg.Interval
		}
		if cbCfg.Timeout > 0 {
			bc.Timeout = cbCfg.Timeout
		}
		if cbCfg.MinRequests > 0 && cbCfg.FailureRatio > 0 {
			minReq, ratio := cbCfg.MinRequests, cbCfg.FailureRatio
			bc.ReadyToTrip = func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minReq && failureRatio >= ratio
			}
		}
		c.breaker = circuitbreaker.NewWrapper(bc)
	}

	return c
}

// Ping verifies remote reachability for the health endpoint by forcing a
// token exchange path.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Authenticate(ctx)
	return err
}

// Authenticate returns a valid access token, exchanging app credentials on
// cache miss. The cache TTL is kept below the server-side token lifetime so
// a cached token is always still valid remotely.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	if token, ok := c.caches.Tokens.Get(c.appKey); ok {
		return token, nil
	}

	body := map[string]string{
		"appKey":    c.appKey,
		"appSecret": c.appSecret,
	}
	result, err := c.do(ctx, "authenticate", http.MethodPost, "/v1.0/oauth2/accessToken", nil, nil, body)
	if err != nil {
		return "", err
	}

	token, _ := result["accessToken"].(string)
	if token == "" {
		return "", errors.ErrUnauthorized.WithCause(fmt.Errorf("token exchange response: %v", result))
	}

	c.caches.Tokens.Set(c.appKey, token)
	return token, nil
}

// ListRecords queries a sheet, optionally filtered by a single equality
// condition. A response without a records array is a loud failure.
func (c *Client) ListRecords(ctx context.Context, sheetID, baseID, filterField string, filterValue interface{}, maxResults int) ([]Record, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	sheetID, baseID, err = c.resolveTarget(sheetID, baseID)
	if err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = 100
	}

	body := map[string]interface{}{
		"maxResults": maxResults,
	}
	if filterField != "" && filterValue != nil {
		body["filter"] = map[string]interface{}{
			"combination": "and",
			"conditions": []map[string]interface{}{{
				"field":    filterField,
				"operator": "equal",
				"value":    []interface{}{filterValue},
			}},
		}
	}

	path := fmt.Sprintf("/v1.0/notable/bases/%s/sheets/%s/records/list", baseID, sheetID)
	query := url.Values{"operatorId": {c.cfg.DefaultOperatorID}}
	result, err := c.do(ctx, "list_records", http.MethodPost, path, query, tokenHeader(token), body)
	if err != nil {
		return nil, err
	}

	raw, ok := result["records"].([]interface{})
	if !ok {
		return nil, errors.ErrRemote.WithCause(fmt.Errorf("list records response has no records array: %v", result))
	}

	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		rec := Record{Fields: map[string]interface{}{}}
		if id, ok := m["id"].(string); ok {
			rec.ID = id
		} else if id, ok := m["recordId"].(string); ok {
			rec.ID = id
		}
		if fields, ok := m["fields"].(map[string]interface{}); ok {
			rec.Fields = fields
		}
		records = append(records, rec)
	}
	return records, nil
}

// FindRecord returns the first record whose field equals value, or a
// not-found error the caller can branch on.
func (c *Client) FindRecord(ctx context.Context, sheetID, baseID, fieldName string, value interface{}) (*Record, error) {
	records, err := c.ListRecords(ctx, sheetID, baseID, fieldName, value, 100)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.ErrNotFound.WithDetail("field", fieldName).WithDetail("value", value)
	}
	return &records[0], nil
}

// UpdateRecords bulk-patches existing records. A response without the value
// envelope means the store did not apply the patch; that surfaces as an
// error so the caller's retry engages.
func (c *Client) UpdateRecords(ctx context.Context, sheetID, baseID string, updates []RecordUpdate, operatorID string) error {
	if len(updates) == 0 {
		return nil
	}

	token, err := c.Authenticate(ctx)
	if err != nil {
		return err
	}
	sheetID, baseID, err = c.resolveTarget(sheetID, baseID)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("/v1.0/notable/bases/%s/sheets/%s/records", baseID, sheetID)
	query := url.Values{"operatorId": {c.operatorOrDefault(operatorID)}}
	body := map[string]interface{}{"records": updates}

	result, err := c.do(ctx, "update_records", http.MethodPut, path, query, tokenHeader(token), body)
	if err != nil {
		return err
	}

	if result["value"] == nil {
		return errors.ErrRemote.WithCause(fmt.Errorf("update response missing value envelope: %v", result))
	}
	return nil
}

// AddRecords bulk-inserts rows and returns the new record ids.
func (c *Client) AddRecords(ctx context.Context, sheetID, baseID string, rows []map[string]interface{}, operatorID string) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	sheetID, baseID, err = c.resolveTarget(sheetID, baseID)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]interface{}, 0, len(rows))
	for _, fields := range rows {
		records = append(records, map[string]interface{}{"fields": fields})
	}

	path := fmt.Sprintf("/v1.0/notable/bases/%s/sheets/%s/records", baseID, sheetID)
	query := url.Values{"operatorId": {c.operatorOrDefault(operatorID)}}
	body := map[string]interface{}{"records": records}

	result, err := c.do(ctx, "add_records", http.MethodPost, path, query, tokenHeader(token), body)
	if err != nil {
		return nil, err
	}

	if code, ok := result["errcode"].(float64); ok && code != 0 {
		return nil, errors.ErrRemote.WithCause(fmt.Errorf("add records failed: %v", result))
	}

	var ids []string
	if value, ok := result["value"].([]interface{}); ok {
		for _, item := range value {
			if m, ok := item.(map[string]interface{}); ok {
				if id, ok := m["id"].(string); ok {
					ids = append(ids, id)
				}
			}
		}
	}
	return ids, nil
}

// GetProcessInstance fetches the extended approval detail used to enrich
// the raw event.
func (c *Client) GetProcessInstance(ctx context.Context, instanceID string) (map[string]interface{}, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{"processInstanceId": {instanceID}}
	result, err := c.do(ctx, "get_process_instance", http.MethodGet, "/v1.0/workflow/processInstances", query, tokenHeader(token), nil)
	if err != nil {
		return nil, err
	}

	if success, _ := result["success"].(bool); !success {
		return nil, errors.ErrRemote.WithCause(fmt.Errorf("process instance query failed: %v", result))
	}
	detail, ok := result["result"].(map[string]interface{})
	if !ok {
		return nil, errors.ErrRemote.WithCause(fmt.Errorf("process instance response has no result: %v", result))
	}
	return detail, nil
}

// ListFailedDeliveries returns event pushes the platform failed to deliver,
// for replay at startup and after config reloads.
func (c *Client) ListFailedDeliveries(ctx context.Context) ([]FailedDelivery, bool, string, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, false, "", err
	}

	query := url.Values{"access_token": {token}}
	result, err := c.do(ctx, "list_failed_deliveries", http.MethodGet, "/call_back/get_call_back_failed_result", query, nil, nil)
	if err != nil {
		return nil, false, "", err
	}

	if code, ok := result["errcode"].(float64); ok && code != 0 {
		return nil, false, "", errors.ErrRemote.WithCause(fmt.Errorf("failed delivery query: %v", result))
	}

	hasMore, _ := result["has_more"].(bool)
	corpID, _ := result["corpid"].(string)

	var items []FailedDelivery
	if list, ok := result["failed_list"].([]interface{}); ok {
		for _, entry := range list {
			m, ok := entry.(map[string]interface{})
			if !ok || len(m) == 0 {
				continue
			}
			// Each entry is a single-key map of event type to payload.
			for eventType, data := range m {
				payload, _ := data.(map[string]interface{})
				items = append(items, FailedDelivery{EventType: eventType, Data: payload})
			}
		}
	}
	return items, hasMore, corpID, nil
}

func (c *Client) resolveTarget(sheetID, baseID string) (string, string, error) {
	if sheetID == "" {
		sheetID = c.cfg.DefaultSheetID
	}
	if baseID == "" {
		baseID = c.cfg.BaseID
	}
	if baseID == "" {
		return "", "", errors.NewValidationError("no base_id configured and none supplied")
	}
	if sheetID == "" {
		return "", "", errors.NewValidationError("no sheet_id configured and none supplied")
	}
	return sheetID, baseID, nil
}

func (c *Client) operatorOrDefault(operatorID string) string {
	if operatorID != "" {
		return operatorID
	}
	return c.cfg.DefaultOperatorID
}

func tokenHeader(token string) map[string]string {
	return map[string]string{accessTokenHeader: token}
}

// do performs one rate-limited, optionally breaker-guarded JSON exchange.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, headers map[string]string, body interface{}) (map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.ErrTimeout.WithCause(err)
	}

	start := time.Now()
	exchange := func() (interface{}, error) {
		return c.exchange(ctx, method, path, query, headers, body)
	}

	var result interface{}
	var err error
	if c.breaker != nil {
		result, err = c.breaker.ExecuteWithContext(ctx, exchange)
	} else {
		result, err = exchange()
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStoreRequestsTotal.WithLabelValues(operation, status).Inc()
	metrics.RecordStoreRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return result.(map[string]interface{}), nil
}

func (c *Client) exchange(ctx context.Context, method, path string, query url.Values, headers map[string]string, body interface{}) (map[string]interface{}, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, errors.ErrInternal.WithCause(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.ErrServiceUnavailable.WithCause(err)
	}

	if resp.StatusCode >= 500 {
		return nil, errors.ErrServiceUnavailable.WithCause(
			fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(data, 256)))
	}
	if resp.StatusCode >= 400 {
		return nil, errors.ErrRemote.AsFatal().WithCause(
			fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(data, 256)))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.ErrRemote.WithCause(fmt.Errorf("decoding %s %s response: %w", method, path, err))
	}
	return result, nil
}

func truncate(data []byte, limit int) string {
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}
