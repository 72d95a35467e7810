package resolve

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/glpi"
	"github.com/DevSkillsIT/Skills-MCP-GLPI/pkg/models"
)

// Resolver turns a loosely specified term into canonical record ids using a
// staged fallback search:
//
//	tier 1: primary fields (name, serial, title, numeric id) in the active set
//	tier 2: join through the active user table on login/first/real name
//	tier 3: the same join against the soft-deleted user table
//
// Tiers are strictly ordered; a later tier never runs while an earlier one
// produced candidates.
type Resolver struct {
	Client glpi.Client
	// UserSearchLimit bounds the identity-join fan-out per tier.
	UserSearchLimit int
}

func New(client glpi.Client) *Resolver {
	return &Resolver{Client: client, UserSearchLimit: 50}
}

func (r *Resolver) Resolve(ctx context.Context, q models.ResolutionQuery) ([]models.ResolutionCandidate, error) {
	term := strings.TrimSpace(q.RawTerm)
	if term == "" {
		return nil, models.Validation("raw term is required", "raw_term")
	}
	if !models.ValidTargetKind(q.TargetKind) {
		return nil, models.Validation("unknown target kind: "+string(q.TargetKind), "target_kind")
	}

	candidates, err := r.tierPrimary(ctx, q.TargetKind, term)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = r.tierUserJoin(ctx, q.TargetKind, term, false)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		candidates, err = r.tierUserJoin(ctx, q.TargetKind, term, true)
		if err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, models.NotFound(string(q.TargetKind), term)
	}
	rank(candidates)
	return candidates, nil
}

// tierPrimary matches the term against name/serial/contact and, when the
// term is numeric, the record id.
func (r *Resolver) tierPrimary(ctx context.Context, kind models.TargetKind, term string) ([]models.ResolutionCandidate, error) {
	criteria := []glpi.Criterion{
		{Field: glpi.FieldName, SearchType: "contains", Value: term},
	}
	if kind != models.KindUser && kind != models.KindTicket {
		criteria = append(criteria,
			glpi.Criterion{Link: "OR", Field: glpi.FieldSerial, SearchType: "contains", Value: term},
			glpi.Criterion{Link: "OR", Field: glpi.FieldOtherSerial, SearchType: "contains", Value: term},
			glpi.Criterion{Link: "OR", Field: glpi.FieldContact, SearchType: "contains", Value: term},
		)
	}
	if _, err := strconv.Atoi(term); err == nil {
		criteria = append(criteria, glpi.Criterion{Link: "OR", Field: glpi.FieldID, SearchType: "equals", Value: term})
	}
	rows, err := r.Client.Query(ctx, string(kind), glpi.QueryOptions{
		Criteria:     criteria,
		ForceDisplay: []int{glpi.FieldID, glpi.FieldName, glpi.FieldSerial, glpi.FieldDateMod},
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.ResolutionCandidate, 0, len(rows))
	for _, row := range rows {
		c, ok := candidateFromRow(row, 1, models.SourceActive)
		if !ok {
			continue
		}
		c.MatchKind = classifyMatch(term, c.Name, c.Serial, c.RecordID)
		out = append(out, c)
	}
	return out, nil
}

// tierUserJoin finds users matching the term and returns the records they
// own. With deleted=true the user lookup runs against the soft-deleted set,
// covering directory-sync desync where the user was purged but dependent
// records remain.
func (r *Resolver) tierUserJoin(ctx context.Context, kind models.TargetKind, term string, deleted bool) ([]models.ResolutionCandidate, error) {
	if kind == models.KindUser {
		return r.tierUserIdentity(ctx, term, deleted)
	}
	limit := r.UserSearchLimit
	if limit <= 0 {
		limit = 50
	}
	users, err := r.Client.Query(ctx, string(models.KindUser), glpi.QueryOptions{
		Criteria: []glpi.Criterion{
			{Field: glpi.FieldName, SearchType: "contains", Value: term},
			{Link: "OR", Field: glpi.FieldUserFirst, SearchType: "contains", Value: term},
			{Link: "OR", Field: glpi.FieldUserReal, SearchType: "contains", Value: term},
		},
		ForceDisplay: []int{glpi.FieldID},
		Limit:        limit,
		Deleted:      deleted,
	})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	criteria := make([]glpi.Criterion, 0, len(users))
	for _, u := range users {
		uid, ok := u.Int("2", "id")
		if !ok {
			continue
		}
		link := "OR"
		if len(criteria) == 0 {
			link = ""
		}
		criteria = append(criteria, glpi.Criterion{Link: link, Field: glpi.FieldUserID, SearchType: "equals", Value: uid})
	}
	if len(criteria) == 0 {
		return nil, nil
	}
	rows, err := r.Client.Query(ctx, string(kind), glpi.QueryOptions{
		Criteria:     criteria,
		ForceDisplay: []int{glpi.FieldID, glpi.FieldName, glpi.FieldSerial, glpi.FieldDateMod},
	})
	if err != nil {
		return nil, err
	}
	tier, source := 2, models.SourceActive
	if deleted {
		tier, source = 3, models.SourceDeleted
	}
	out := make([]models.ResolutionCandidate, 0, len(rows))
	for _, row := range rows {
		if c, ok := candidateFromRow(row, tier, source); ok {
			c.MatchKind = models.MatchJoin
			out = append(out, c)
		}
	}
	return out, nil
}

// tierUserIdentity resolves a user target directly by identity fields.
func (r *Resolver) tierUserIdentity(ctx context.Context, term string, deleted bool) ([]models.ResolutionCandidate, error) {
	rows, err := r.Client.Query(ctx, string(models.KindUser), glpi.QueryOptions{
		Criteria: []glpi.Criterion{
			{Field: glpi.FieldUserFirst, SearchType: "contains", Value: term},
			{Link: "OR", Field: glpi.FieldUserReal, SearchType: "contains", Value: term},
		},
		ForceDisplay: []int{glpi.FieldID, glpi.FieldName, glpi.FieldDateMod},
		Deleted:      deleted,
	})
	if err != nil {
		return nil, err
	}
	tier, source := 2, models.SourceActive
	if deleted {
		tier, source = 3, models.SourceDeleted
	}
	out := make([]models.ResolutionCandidate, 0, len(rows))
	for _, row := range rows {
		if c, ok := candidateFromRow(row, tier, source); ok {
			c.MatchKind = models.MatchJoin
			out = append(out, c)
		}
	}
	return out, nil
}

func candidateFromRow(row glpi.Record, tier int, source string) (models.ResolutionCandidate, bool) {
	id, ok := row.Int("2", "id")
	if !ok {
		return models.ResolutionCandidate{}, false
	}
	c := models.ResolutionCandidate{
		RecordID:    id,
		Name:        row.Str("1", "name"),
		Serial:      row.Str("5", "serial"),
		Tier:        tier,
		SourceTable: source,
	}
	if raw := row.Str("19", "date_mod"); raw != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", raw); err == nil {
			c.LastModified = t
		}
	}
	return c, true
}

func classifyMatch(term, name, serial string, id int) string {
	if strings.EqualFold(term, name) || strings.EqualFold(term, serial) {
		return models.MatchExact
	}
	if n, err := strconv.Atoi(term); err == nil && n == id {
		return models.MatchExact
	}
	return models.MatchSubstring
}

// rank orders exact matches before substring matches, most recently
// modified first within each kind. Join matches keep recency order.
func rank(cands []models.ResolutionCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		ra, rb := matchRank(a.MatchKind), matchRank(b.MatchKind)
		if ra != rb {
			return ra < rb
		}
		return a.LastModified.After(b.LastModified)
	})
}

func matchRank(kind string) int {
	switch kind {
	case models.MatchExact:
		return 0
	case models.MatchSubstring:
		return 1
	default:
		return 2
	}
}
