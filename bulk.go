package testserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const (
	// routingField is the bulk metadata key for routing on 7.x and later.
	routingField = "routing"
	// legacyRoutingField is the bulk metadata key understood by 6.x and earlier.
	legacyRoutingField = "_routing"
)

var lineBreaks = strings.NewReplacer("\n", " ", "\r", " ")

// routingFieldFor picks the routing metadata key for a server version
// such as "7.10.2".
func routingFieldFor(version string) (string, error) {
	major, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return "", fmt.Errorf("parsing version %q: %w", version, err)
	}
	if n >= 7 {
		return routingField, nil
	}
	return legacyRoutingField, nil
}

type infoResponse struct {
	Version struct {
		Number string `json:"number"`
	} `json:"version"`
}

// routingFieldOfServer asks the server for its version.
func (c *restClient) routingFieldOfServer(ctx context.Context) (string, error) {
	const op = "reading server version"
	status, body, err := c.perform(ctx, "info", esapi.InfoRequest{})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return "", err
	}

	var info infoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return "", malformedResponse(op, err)
	}
	if info.Version.Number == "" {
		return "", malformedResponse(op, errors.New("no version.number in response"))
	}
	field, err := routingFieldFor(info.Version.Number)
	if err != nil {
		return "", malformedResponse(op, err)
	}
	return field, nil
}

// bulkPayload renders reqs as newline-delimited action and source lines.
// Line breaks inside a line become spaces so each stays a single line.
func bulkPayload(reqs []IndexRequest, routingKey string) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range reqs {
		meta := make(map[string]string, 3)
		if r.Index != "" {
			meta["_index"] = r.Index
		}
		if r.ID != "" {
			meta["_id"] = r.ID
		}
		if r.Routing != "" {
			meta[routingKey] = r.Routing
		}
		action, err := json.Marshal(map[string]map[string]string{"index": meta})
		if err != nil {
			return nil, fmt.Errorf("encoding bulk action: %w", err)
		}

		buf.WriteString(lineBreaks.Replace(string(action)))
		buf.WriteByte('\n')
		buf.WriteString(lineBreaks.Replace(r.JSON))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Index  string `json:"_index"`
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// bulkFailures collects the rejected items of a bulk response.
func bulkFailures(body []byte) (*BulkError, error) {
	var res bulkResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	if !res.Errors {
		return nil, nil
	}

	berr := &BulkError{}
	for _, item := range res.Items {
		for _, result := range item {
			if result.Error == nil {
				continue
			}
			berr.Failures = append(berr.Failures, BulkFailure{
				Index:  result.Index,
				ID:     result.ID,
				Status: result.Status,
				Type:   result.Error.Type,
				Reason: result.Error.Reason,
			})
		}
	}
	return berr, nil
}

// bulkIndex sends reqs in a single Bulk API call and refreshes afterwards.
func (c *restClient) bulkIndex(ctx context.Context, reqs []IndexRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	routingKey := routingField
	for _, r := range reqs {
		if r.Routing == "" {
			continue
		}
		var err error
		if routingKey, err = c.routingFieldOfServer(ctx); err != nil {
			return err
		}
		break
	}

	payload, err := bulkPayload(reqs, routingKey)
	if err != nil {
		return err
	}

	const op = "indexing documents"
	status, body, err := c.perform(ctx, "bulk", rawRequest{
		method: http.MethodPost,
		path:   "/_bulk",
		header: http.Header{"Content-Type": {"application/json"}},
		body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkResponse(op, status, body); err != nil {
		return err
	}
	c.metrics.bulkDocuments.Add(ctx, int64(len(reqs)))

	berr, err := bulkFailures(body)
	if err != nil {
		return malformedResponse(op, err)
	}
	if err := c.refresh(ctx); err != nil {
		return err
	}
	if berr != nil {
		return berr
	}
	return nil
}
