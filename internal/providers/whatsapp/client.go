// Package whatsapp is a thin client for the Meta WhatsApp Cloud API
// template-message endpoint.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

type Client struct {
	PhoneNumberID string
	AccessToken   string
	HTTP          *http.Client

	APIVersion string
	BaseURL    string
}

// SendRequest carries one pre-approved template send. Params map onto the
// template's positional {{1}}..{{n}} body parameters in order.
type SendRequest struct {
	To           string
	TemplateName string
	Params       []string
}

type SendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type sendPayload struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name     string `json:"name"`
		Language struct {
			Code string `json:"code"`
		} `json:"language"`
		Components []templateComponent `json:"components"`
	} `json:"template"`
}

// SendTemplate posts one template message. Returns the provider message id,
// the HTTP status and the raw response body for the attempt log.
func (c *Client) SendTemplate(ctx context.Context, req SendRequest) (string, int, []byte, error) {
	params := make([]templateParam, 0, len(req.Params))
	for _, p := range req.Params {
		params = append(params, templateParam{Type: "text", Text: p})
	}

	var payload sendPayload
	payload.MessagingProduct = "whatsapp"
	payload.To = strings.TrimPrefix(req.To, "+")
	payload.Type = "template"
	payload.Template.Name = req.TemplateName
	payload.Template.Language.Code = "tr"
	if len(params) > 0 {
		payload.Template.Components = []templateComponent{{Type: "body", Parameters: params}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, nil, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com"
	}
	version := c.APIVersion
	if version == "" {
		version = "v18.0"
	}
	endpoint := baseURL + "/" + version + "/" + c.PhoneNumberID + "/messages"

	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", 0, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != nil && out.Error.Message != "" {
			return "", resp.StatusCode, raw, errors.New(out.Error.Message)
		}
		return "", resp.StatusCode, raw, errors.New("whatsapp send failed")
	}
	if len(out.Messages) == 0 {
		return "", resp.StatusCode, raw, errors.New("whatsapp response missing message id")
	}
	return out.Messages[0].ID, resp.StatusCode, raw, nil
}

// Graph API error codes that mean "slow down", not "give up".
// 4: app-level throttling, 80007: WABA rate limit, 130429: cloud API
// throughput limit, 131048: spam rate limit (temporary).
var transientCodes = map[int]bool{
	4:      true,
	80007:  true,
	130429: true,
	131048: true,
}

// ShouldRetry classifies an attempt: transport failures, 408/429 and 5xx are
// transient; everything else (invalid recipient, rejected template, auth) is
// permanent.
func ShouldRetry(err error, httpStatus int, raw []byte) bool {
	if err != nil && httpStatus == 0 {
		// Never got an HTTP response: timeout, refused connection, DNS.
		return true
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	var out SendResponse
	if json.Unmarshal(raw, &out) == nil && out.Error != nil {
		return transientCodes[out.Error.Code]
	}
	return false
}

// ErrorCode extracts the Graph API error code from a response body, as a
// string for the dispatch record.
func ErrorCode(raw []byte) string {
	var out SendResponse
	if json.Unmarshal(raw, &out) == nil && out.Error != nil && out.Error.Code != 0 {
		return strconv.Itoa(out.Error.Code)
	}
	return ""
}
