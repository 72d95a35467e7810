package glpi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// Search-API field ids used throughout resolution. These are fixed by the
// backend schema.
const (
	FieldName        = 1
	FieldID          = 2
	FieldLocation    = 3
	FieldSerial      = 5
	FieldOtherSerial = 6
	FieldContact     = 7
	FieldUserFirst   = 9
	FieldDateMod     = 19
	FieldUserReal    = 34
	FieldUserID      = 70
	FieldEntity      = 80
)

// Query runs a search-API call and normalizes the result rows. The search
// endpoint returns either a bare list or {"data": [...]}.
func (c *HTTPClient) Query(ctx context.Context, table string, opts QueryOptions) ([]Record, error) {
	params := url.Values{}
	limit := opts.Limit
	if limit <= 0 {
		limit = 250
	}
	params.Set("range", fmt.Sprintf("%d-%d", opts.Offset, opts.Offset+limit-1))
	if opts.Deleted {
		params.Set("is_deleted", "1")
	}
	if opts.ExpandDropdowns {
		params.Set("expand_dropdowns", "true")
	}
	for i, crit := range opts.Criteria {
		prefix := fmt.Sprintf("criteria[%d]", i)
		if crit.Link != "" {
			params.Set(prefix+"[link]", crit.Link)
		}
		params.Set(prefix+"[field]", strconv.Itoa(crit.Field))
		params.Set(prefix+"[searchtype]", crit.SearchType)
		params.Set(prefix+"[value]", fmt.Sprint(crit.Value))
	}
	for i, f := range opts.ForceDisplay {
		params.Set(fmt.Sprintf("forcedisplay[%d]", i), strconv.Itoa(f))
	}
	status, body, err := c.do(ctx, http.MethodGet, "/apirest.php/search/"+table+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	// An empty search result is a 200/206 with empty data, not a 404.
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, statusError(status, "search "+table, body)
	}
	return decodeRows(body)
}

// GetItem fetches one record by id.
func (c *HTTPClient) GetItem(ctx context.Context, table string, id int, fields ...string) (Record, error) {
	path := fmt.Sprintf("/apirest.php/%s/%d", table, id)
	if len(fields) > 0 {
		params := url.Values{}
		for i, f := range fields {
			params.Set(fmt.Sprintf("forcedisplay[%d]", i), f)
		}
		path += "?" + params.Encode()
	}
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, models.NotFound(table, id)
	}
	if status >= 300 {
		return nil, statusError(status, fmt.Sprintf("get %s/%d", table, id), body)
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, models.Upstream(status, "malformed item response")
	}
	return rec, nil
}

// SubItems lists one component sub-table of a record. A 404 here means the
// record has no rows of that component kind and is returned as empty.
func (c *HTTPClient) SubItems(ctx context.Context, table string, id int, sub string, expand bool) ([]Record, error) {
	path := fmt.Sprintf("/apirest.php/%s/%d/%s", table, id, sub)
	if expand {
		path += "?expand_dropdowns=true"
	}
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status >= 300 {
		return nil, statusError(status, fmt.Sprintf("subitems %s/%d/%s", table, id, sub), body)
	}
	return decodeRows(body)
}

// Mutate executes a write. Deletes with op=purge are permanent
// (force_purge=1); op=delete moves the record to the trash table.
func (c *HTTPClient) Mutate(ctx context.Context, table string, op models.OperationKind, id int, fields json.RawMessage) (Record, error) {
	var (
		method string
		path   string
		body   []byte
	)
	switch op {
	case models.OpCreate:
		method = http.MethodPost
		path = "/apirest.php/" + table
		body = wrapInput(fields)
	case models.OpUpdate, models.OpAssign, models.OpReserve:
		method = http.MethodPut
		path = fmt.Sprintf("/apirest.php/%s/%d", table, id)
		body = wrapInput(fields)
	case models.OpDelete:
		method = http.MethodDelete
		path = fmt.Sprintf("/apirest.php/%s/%d", table, id)
	case models.OpPurge:
		method = http.MethodDelete
		path = fmt.Sprintf("/apirest.php/%s/%d?force_purge=1", table, id)
	default:
		return nil, models.Validation("unsupported operation: "+string(op), "operation")
	}
	status, respBody, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, models.NotFound(table, id)
	}
	if status >= 300 {
		return nil, statusError(status, fmt.Sprintf("%s %s", op, table), respBody)
	}
	if len(respBody) == 0 || status == http.StatusNoContent {
		return Record{"success": true}, nil
	}
	var rec Record
	if err := json.Unmarshal(respBody, &rec); err != nil {
		// Create returns a single-element array on some backend versions.
		var list []Record
		if err := json.Unmarshal(respBody, &list); err == nil && len(list) > 0 {
			return list[0], nil
		}
		return Record{"success": true}, nil
	}
	return rec, nil
}

func wrapInput(fields json.RawMessage) []byte {
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"input": fields})
	return out
}

func decodeRows(body []byte) ([]Record, error) {
	var wrapped struct {
		Data []Record `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return wrapped.Data, nil
	}
	var list []Record
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	return nil, models.Upstream(0, "malformed search response")
}

// Helpers for rows that may be keyed by numeric field id or field name.

// Int extracts an integer value under any of the given keys.
func (r Record) Int(keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n), true
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed, true
			}
		case int:
			return n, true
		}
	}
	return 0, false
}

// Str extracts a string value under any of the given keys.
func (r Record) Str(keys ...string) string {
	for _, k := range keys {
		if v, ok := r[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}
