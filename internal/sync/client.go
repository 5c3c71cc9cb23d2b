package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dosekeeper/medsync"
	"github.com/sirupsen/logrus"
)

// HTTPClient implements medsync.Remote against the authoritative store's
// REST API. It is safe for concurrent use.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	deviceID   string
	httpClient *http.Client
	log        *logrus.Entry
}

var _ medsync.Remote = (*HTTPClient)(nil)

// NewHTTPClient creates a client. deviceID is sent on every request as
// X-Device-ID.
func NewHTTPClient(serverURL, apiKey, deviceID string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(serverURL, "/"),
		apiKey:   apiKey,
		deviceID: deviceID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: medsync.DiscardLogger(),
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithLogger enables request and response logging at debug level.
func (c *HTTPClient) WithLogger(logger *logrus.Entry) *HTTPClient {
	c.log = logger.WithField("component", "http")
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request, stamp medsync.Stamp) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", "medsync-client/"+medsync.Version)
	device := stamp.DeviceID
	if device == "" {
		device = c.deviceID
	}
	if device != "" {
		req.Header.Set(HeaderDeviceID, device)
	}
	if stamp.MutationID != "" {
		req.Header.Set(HeaderMutationID, stamp.MutationID)
	}
}

func newSyncError(op string, statusCode int, body []byte) *medsync.SyncError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		var envelope ErrorResponse
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			msg = envelope.Error
		} else if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	return &medsync.SyncError{
		Operation:  op,
		StatusCode: statusCode,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
	}
}

// do sends one request and decodes a JSON response into out when non-nil.
// want lists the accepted status codes.
func (c *HTTPClient) do(ctx context.Context, op, method, path string, stamp medsync.Stamp, in, out any, want ...int) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, &medsync.SyncError{Operation: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, &medsync.SyncError{Operation: op, Err: err}
	}
	c.setHeaders(req, stamp)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	entry := c.log.WithFields(logrus.Fields{"op": op, "method": method, "path": path})
	if len(body) > 0 {
		entry.WithField("body", medsync.TruncateForLog(string(body), 2000)).Debug("request")
	} else {
		entry.Debug("request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		entry.WithError(err).Debug("request failed")
		return 0, &medsync.SyncError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, &medsync.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}
	entry.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"body":   medsync.TruncateForLog(string(respBody), 4000),
	}).Debug("response")

	accepted := false
	for _, code := range want {
		if resp.StatusCode == code {
			accepted = true
			break
		}
	}
	if !accepted {
		return resp.StatusCode, newSyncError(op, resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, &medsync.SyncError{Operation: op, StatusCode: resp.StatusCode, Err: err}
		}
	}
	return resp.StatusCode, nil
}

// Health returns the server's health document.
func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if _, err := c.do(ctx, "health_check", http.MethodGet, "/api/v1/health", medsync.Stamp{}, nil, &health, http.StatusOK); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *HTTPClient) RequiredVersion(ctx context.Context) (string, error) {
	health, err := c.Health(ctx)
	if err != nil {
		return "", err
	}
	return health.RequiredClientVersion, nil
}

func (c *HTTPClient) UpsertMedication(ctx context.Context, med medsync.Medication) (medsync.Medication, error) {
	var out medsync.Medication
	err := c.upsert(ctx, "upsert_medication", medsync.TableMedications, med.Provenance(), med, &out)
	return out, err
}

func (c *HTTPClient) UpsertLog(ctx context.Context, l medsync.MedicationLog) (medsync.MedicationLog, error) {
	var out medsync.MedicationLog
	err := c.upsert(ctx, "upsert_log", medsync.TableLogs, l.Provenance(), l, &out)
	return out, err
}

func (c *HTTPClient) UpsertSettings(ctx context.Context, s medsync.UserSettings) (medsync.UserSettings, error) {
	var out medsync.UserSettings
	err := c.upsert(ctx, "upsert_settings", medsync.TableSettings, s.Provenance(), s, &out)
	return out, err
}

func (c *HTTPClient) upsert(ctx context.Context, op string, table medsync.Table, stamp medsync.Stamp, row, out any) error {
	_, err := c.do(ctx, op, http.MethodPost, "/api/v1/"+string(table), stamp, row, out, http.StatusOK, http.StatusCreated)
	return err
}

func (c *HTTPClient) DeleteMedication(ctx context.Context, id string, stamp medsync.Stamp) error {
	return c.delete(ctx, "delete_medication", medsync.TableMedications, id, stamp)
}

func (c *HTTPClient) DeleteLog(ctx context.Context, id string, stamp medsync.Stamp) error {
	return c.delete(ctx, "delete_log", medsync.TableLogs, id, stamp)
}

func (c *HTTPClient) delete(ctx context.Context, op string, table medsync.Table, id string, stamp medsync.Stamp) error {
	path := fmt.Sprintf("/api/v1/%s/%s", table, url.PathEscape(id))
	_, err := c.do(ctx, op, http.MethodDelete, path, stamp, nil, nil, http.StatusNoContent, http.StatusOK)
	return err
}

func (c *HTTPClient) SelectMedications(ctx context.Context, q medsync.Query) ([]medsync.Medication, error) {
	var out RowsResponse[medsync.Medication]
	if err := c.selectRows(ctx, "select_medications", medsync.TableMedications, q, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *HTTPClient) SelectLogs(ctx context.Context, q medsync.Query) ([]medsync.MedicationLog, error) {
	var out RowsResponse[medsync.MedicationLog]
	if err := c.selectRows(ctx, "select_logs", medsync.TableLogs, q, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

func (c *HTTPClient) selectRows(ctx context.Context, op string, table medsync.Table, q medsync.Query, out any) error {
	params := url.Values{}
	params.Set("owner_id", q.OwnerID)
	params.Set("order", "updated_at.desc")
	if !q.Since.IsZero() {
		params.Set("since", q.Since.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	path := "/api/v1/" + string(table) + "?" + params.Encode()
	_, err := c.do(ctx, op, http.MethodGet, path, medsync.Stamp{}, nil, out, http.StatusOK)
	return err
}

func (c *HTTPClient) GetSettings(ctx context.Context, ownerID string) (*medsync.UserSettings, error) {
	var out medsync.UserSettings
	path := "/api/v1/" + string(medsync.TableSettings) + "/" + url.PathEscape(ownerID)
	status, err := c.do(ctx, "get_settings", http.MethodGet, path, medsync.Stamp{}, nil, &out, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	return &out, nil
}
