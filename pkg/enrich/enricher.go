package enrich

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/glpi"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// Component kinds assembled per target kind. The set is fixed: callers
// needing only summary data should skip enrichment entirely.
const (
	ComponentMemory       = "memory"
	ComponentProcessor    = "processor"
	ComponentRemoteAccess = "remote_access"
	ComponentOS           = "operating_system"
	ComponentContact      = "contact"
	ComponentOwner        = "owner"
	ComponentEmails       = "emails"
	ComponentFollowups    = "followups"
)

func componentsFor(kind models.TargetKind) []string {
	switch kind {
	case models.KindComputer:
		return []string{ComponentMemory, ComponentProcessor, ComponentRemoteAccess, ComponentOS, ComponentContact, ComponentOwner}
	case models.KindMonitor, models.KindPrinter:
		return []string{ComponentContact, ComponentOwner}
	case models.KindUser:
		return []string{ComponentEmails}
	case models.KindTicket:
		return []string{ComponentFollowups, ComponentOwner}
	default:
		return nil
	}
}

// Enricher assembles a complete record view from the component sub-tables
// in one pass, to avoid one round trip per component per caller.
type Enricher struct {
	Client glpi.Client
	// MaxParallel bounds concurrent sub-queries per record.
	MaxParallel int
}

func New(client glpi.Client) *Enricher {
	return &Enricher{Client: client, MaxParallel: 6}
}

// Enrich resolves every id into an EnrichedRecord. Failure to fetch a base
// record fails that id (and the call); a missing or failing component
// sub-record resolves to an explicit absent value instead.
func (e *Enricher) Enrich(ctx context.Context, kind models.TargetKind, ids []int) (map[int]*models.EnrichedRecord, error) {
	out := make(map[int]*models.EnrichedRecord, len(ids))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			rec, err := e.enrichOne(ctx, kind, id)
			if err != nil {
				return err
			}
			mu.Lock()
			out[id] = rec
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Partial results are never returned.
		return nil, err
	}
	return out, nil
}

func (e *Enricher) enrichOne(ctx context.Context, kind models.TargetKind, id int) (*models.EnrichedRecord, error) {
	base, err := e.Client.GetItem(ctx, string(kind), id)
	if err != nil {
		return nil, err
	}
	rec := &models.EnrichedRecord{
		ID:         id,
		Kind:       kind,
		Core:       base,
		Components: map[string]json.RawMessage{},
	}

	comps := componentsFor(kind)
	values := make([]json.RawMessage, len(comps))
	g, gctx := errgroup.WithContext(ctx)
	if e.MaxParallel > 0 {
		g.SetLimit(e.MaxParallel)
	}
	for i, comp := range comps {
		i, comp := i, comp
		g.Go(func() error {
			v, err := e.component(gctx, kind, id, comp, base)
			if err != nil {
				// Cancellation aborts the whole call; upstream trouble on a
				// secondary field degrades to absent.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				v = nil
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, comp := range comps {
		rec.Components[comp] = values[i]
	}
	return rec, nil
}

// component fetches one component kind. A nil result with nil error means
// the component is genuinely absent.
func (e *Enricher) component(ctx context.Context, kind models.TargetKind, id int, comp string, base glpi.Record) (json.RawMessage, error) {
	switch comp {
	case ComponentMemory:
		rows, err := e.Client.SubItems(ctx, string(kind), id, "Item_DeviceMemory", false)
		if err != nil {
			return nil, err
		}
		return marshalMemory(rows)
	case ComponentProcessor:
		rows, err := e.Client.SubItems(ctx, string(kind), id, "Item_DeviceProcessor", true)
		if err != nil {
			return nil, err
		}
		return marshalProcessor(rows)
	case ComponentRemoteAccess:
		rows, err := e.Client.SubItems(ctx, string(kind), id, "Item_RemoteManagement", false)
		if err != nil {
			return nil, err
		}
		return marshalRemoteAccess(rows)
	case ComponentOS:
		rows, err := e.Client.SubItems(ctx, string(kind), id, "Item_OperatingSystem", true)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return json.Marshal(rows[0])
	case ComponentContact:
		contact := base.Str("contact")
		if contact == "" {
			return nil, nil
		}
		return json.Marshal(map[string]string{"name": contact, "number": base.Str("contact_num")})
	case ComponentOwner:
		return e.ownerComponent(ctx, base)
	case ComponentEmails:
		rows, err := e.Client.SubItems(ctx, string(kind), id, "UserEmail", false)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return json.Marshal(rows)
	case ComponentFollowups:
		rows, err := e.Client.SubItems(ctx, string(kind), id, "ITILFollowup", false)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return json.Marshal(rows)
	default:
		return nil, nil
	}
}

// ownerComponent joins the owning user record. A soft-deleted owner is
// still reported, flagged so callers can surface degraded confidence.
func (e *Enricher) ownerComponent(ctx context.Context, base glpi.Record) (json.RawMessage, error) {
	uid, ok := base.Int("users_id", "70")
	if !ok || uid <= 0 {
		return nil, nil
	}
	user, err := e.Client.GetItem(ctx, string(models.KindUser), uid,
		"id", "name", "firstname", "realname", "is_active", "is_deleted")
	if err != nil {
		if ae := models.AsError(err); ae.Kind == models.ErrNotFound {
			return json.Marshal(map[string]any{"id": uid, "missing": true})
		}
		return nil, err
	}
	deleted, _ := user.Int("is_deleted")
	active, hasActive := user.Int("is_active")
	out := map[string]any{
		"id":         uid,
		"login":      user.Str("name"),
		"first_name": user.Str("firstname"),
		"real_name":  user.Str("realname"),
		"deleted":    deleted == 1,
	}
	if hasActive {
		out["active"] = active == 1
	}
	return json.Marshal(out)
}

func marshalMemory(rows []glpi.Record) (json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	total := 0
	for _, row := range rows {
		if size, ok := row.Int("size"); ok {
			total += size
		}
	}
	return json.Marshal(map[string]any{"modules": len(rows), "total_mib": total})
}

func marshalProcessor(rows []glpi.Record) (json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	first := rows[0]
	model := first.Str("deviceprocessors_id")
	if model == "" {
		model = first.Str("designation")
	}
	out := map[string]any{"count": len(rows), "model": model}
	if freq, ok := first.Int("frequency"); ok && freq > 0 {
		out["frequency_mhz"] = freq
	}
	return json.Marshal(out)
}

// marshalRemoteAccess collects up to two remote-access identifiers,
// preferring entries whose type names a known agent.
func marshalRemoteAccess(rows []glpi.Record) (json.RawMessage, error) {
	type remote struct {
		Type string `json:"type,omitempty"`
		ID   string `json:"id"`
	}
	var found []remote
	for _, row := range rows {
		id := row.Str("remoteid")
		if id == "" {
			continue
		}
		found = append(found, remote{Type: row.Str("type"), ID: id})
	}
	if len(found) == 0 {
		return nil, nil
	}
	sort.SliceStable(found, func(i, j int) bool {
		return agentRank(found[i].Type) < agentRank(found[j].Type)
	})
	if len(found) > 2 {
		found = found[:2]
	}
	return json.Marshal(found)
}

// agentRank orders remote-management entries: anydesk first, then
// teamviewer, then anything else carrying a remote id.
func agentRank(agentType string) int {
	t := strings.ToLower(agentType)
	switch {
	case strings.Contains(t, "anydesk"):
		return 0
	case strings.Contains(t, "teamviewer"):
		return 1
	default:
		return 2
	}
}
