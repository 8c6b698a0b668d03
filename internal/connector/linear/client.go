package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/catherinevee/syncmgr/internal/apperrors"
)

// graphqlClient posts queries to the Linear GraphQL endpoint.
type graphqlClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func newGraphQLClient(httpClient *http.Client, endpoint, apiKey string) *graphqlClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &graphqlClient{httpClient: httpClient, endpoint: endpoint, apiKey: apiKey}
}

func (c *graphqlClient) do(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "encoding graphql request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "building graphql request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.KindTransient, "calling linear", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.FromHTTPStatus(resp.StatusCode, string(msg), false)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "decoding graphql response", err)
	}
	if len(envelope.Errors) > 0 {
		first := envelope.Errors[0]
		if first.Extensions.Code == "AUTHENTICATION_ERROR" || first.Extensions.Code == "FORBIDDEN" {
			return apperrors.New(apperrors.KindAuth, first.Message)
		}
		return apperrors.New(apperrors.KindValidation, fmt.Sprintf("graphql error: %s", first.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, "decoding graphql data", err)
	}
	return nil
}
