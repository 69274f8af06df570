package assign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"conversation-coordinator/pkg/constants"
	"conversation-coordinator/pkg/metrics"
)

// ErrNoActiveOwners signals an exhausted team: the lead stays unassigned
// and the caller raises an orphan alert. Not a failure of the assigner.
var ErrNoActiveOwners = errors.New("no active owners for team")

// Owner is a human operator eligible for lead assignment.
type Owner struct {
	Name   string `json:"name"`
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// Routing maps channels to teams and teams to their owner lists. The
// fallback team must exist under the "default" key.
type Routing struct {
	Teams        map[string][]Owner `json:"teams"`
	ChannelTeams map[string]string  `json:"channel_teams"`
}

const DefaultTeam = "default"

// DefaultRouting is the built-in table; deployments override it with
// ROUTING_CONFIG_JSON.
func DefaultRouting() Routing {
	return Routing{
		Teams: map[string][]Owner{
			"team_one": {
				{Name: "Operator One", ID: "87367331", Active: true},
			},
			"team_two": {
				{Name: "Operator Two", ID: "87367332", Active: true},
			},
			DefaultTeam: {
				{Name: "Operator One", ID: "87367331", Active: true},
				{Name: "Operator Two", ID: "87367332", Active: true},
			},
		},
		ChannelTeams: map[string]string{
			"whatsapp_direct": "team_two",
			"finca_raiz":      "team_two",
			"website":         "team_two",
			"instagram":       "team_two",

			"facebook":      "team_one",
			"mercado_libre": "team_one",
			"ciencuadras":   "team_one",
			"metrocuadrado": "team_one",

			"google_ads": DefaultTeam,
			"referral":   DefaultTeam,
			"unknown":    DefaultTeam,
		},
	}
}

// ParseRouting decodes an override table, falling back field by field to
// the defaults so a partial override stays usable.
func ParseRouting(raw string) (Routing, error) {
	routing := DefaultRouting()
	if strings.TrimSpace(raw) == "" {
		return routing, nil
	}

	var override Routing
	if err := json.Unmarshal([]byte(raw), &override); err != nil {
		return routing, fmt.Errorf("failed to parse routing config: %w", err)
	}
	if len(override.Teams) > 0 {
		routing.Teams = override.Teams
	}
	if len(override.ChannelTeams) > 0 {
		routing.ChannelTeams = override.ChannelTeams
	}
	return routing, nil
}

// Assigner distributes new contacts across a human team with a persisted
// rotation counter, so fairness survives process restarts.
type Assigner struct {
	rdb     *redis.Client
	routing Routing
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewAssigner(rdb *redis.Client, routing Routing, logger *logrus.Logger, m *metrics.Metrics) *Assigner {
	return &Assigner{
		rdb:     rdb,
		routing: routing,
		logger:  logger,
		metrics: m,
	}
}

// TeamFor resolves a channel to its team, falling back to the default
// team for unmapped channels.
func (a *Assigner) TeamFor(channel string) string {
	if team, ok := a.routing.ChannelTeams[channel]; ok {
		if _, exists := a.routing.Teams[team]; exists {
			return team
		}
	}
	return DefaultTeam
}

func (a *Assigner) activeOwners(team string) []Owner {
	owners, ok := a.routing.Teams[team]
	if !ok {
		owners = a.routing.Teams[DefaultTeam]
	}

	active := make([]Owner, 0, len(owners))
	for _, o := range owners {
		if o.Active {
			active = append(active, o)
		}
	}
	return active
}

// GetNextOwner returns the owner id next in rotation for the channel's
// team. With a single active owner the rotation counter is neither read
// nor written, so rotation stays stable as team size fluctuates. The
// counter grows without bound; the modulo on read makes wraparound a
// non-issue.
func (a *Assigner) GetNextOwner(ctx context.Context, channel string) (string, error) {
	team := a.TeamFor(channel)
	active := a.activeOwners(team)

	if len(active) == 0 {
		a.logger.WithField("team", team).Error("No active owners available for assignment")
		return "", fmt.Errorf("team %q: %w", team, ErrNoActiveOwners)
	}

	if len(active) == 1 {
		a.metrics.LeadAssignments.WithLabelValues(team).Inc()
		return active[0].ID, nil
	}

	counterKey := constants.RotationCounterPrefix + team

	// Counter reads degrade to 0 rather than failing the assignment:
	// approximate fairness is the accepted trade-off under store trouble.
	counter := int64(0)
	if raw, err := a.rdb.Get(ctx, counterKey).Result(); err == nil {
		if parsed, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			counter = parsed
		}
	} else if err != redis.Nil {
		a.logger.WithError(err).WithField("team", team).Warn("Failed to read rotation counter, using 0")
	}

	owner := active[counter%int64(len(active))]

	// No TTL: the counter must survive restarts for long-run fairness.
	if err := a.rdb.Set(ctx, counterKey, counter+1, 0).Err(); err != nil {
		a.logger.WithError(err).WithField("team", team).Warn("Failed to persist rotation counter")
	}

	a.metrics.LeadAssignments.WithLabelValues(team).Inc()
	a.logger.WithFields(logrus.Fields{
		"owner":    owner.Name,
		"owner_id": owner.ID,
		"channel":  channel,
		"team":     team,
		"index":    counter % int64(len(active)),
	}).Info("Round-robin assignment")

	return owner.ID, nil
}

// OwnerName resolves an owner id for display; "unknown" when unmapped.
func (a *Assigner) OwnerName(ownerID string) string {
	for _, owners := range a.routing.Teams {
		for _, o := range owners {
			if o.ID == ownerID {
				return o.Name
			}
		}
	}
	return "unknown"
}

// DetectChannelOrigin is a best-effort classifier: explicit channel field
// first, then keyword matching against the referrer, then the default
// channel. Misclassification is acceptable noise, not an error.
func (a *Assigner) DetectChannelOrigin(metadata map[string]string, hint string) string {
	for _, candidate := range []string{hint, metadata["channel"], metadata["source"], metadata["utm_source"]} {
		if candidate == "" {
			continue
		}
		normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(candidate)), " ", "_")
		if _, ok := a.routing.ChannelTeams[normalized]; ok {
			return normalized
		}
	}

	referrer := strings.ToLower(metadata["referrer"])
	switch {
	case strings.Contains(referrer, "fincaraiz") || strings.Contains(referrer, "finca raiz"):
		return "finca_raiz"
	case strings.Contains(referrer, "metrocuadrado"):
		return "metrocuadrado"
	case strings.Contains(referrer, "facebook") || strings.Contains(referrer, "fb.com"):
		return "facebook"
	case strings.Contains(referrer, "instagram"):
		return "instagram"
	case strings.Contains(referrer, "google"):
		return "google_ads"
	}

	return "whatsapp_direct"
}

// ResetRotation reinitializes a team's counter. Admin/testing helper.
func (a *Assigner) ResetRotation(ctx context.Context, team string) error {
	if err := a.rdb.Set(ctx, constants.RotationCounterPrefix+team, 0, 0).Err(); err != nil {
		return fmt.Errorf("failed to reset rotation counter: %w", err)
	}
	return nil
}
