// Package engine implements deterministic flag resolution.
//
// Evaluation is a pure function over (flag snapshot, context, options): no
// I/O happens once the snapshot is loaded, so the engine needs no locks and
// two calls with the same inputs always produce the same result.
//
// Resolution order: not_found → override → disabled → rules → rollout gate →
// variant selection → default. Overrides beat the disabled bit by default so
// support can pin a value for one user while a flag is globally off; the
// DisabledOverridesPinned option restores the opposite ordering.
package engine

import (
	"time"

	"github.com/kriasoft/flagkit/internal/ident"
	"github.com/kriasoft/flagkit/internal/rules"
	"github.com/kriasoft/flagkit/internal/store"
)

// Reason is the enumerated cause of a chosen value.
type Reason string

// variantHashSuffix derives the variant bucket from its own hash input so
// variant assignment is independent of the rollout gate while staying
// sticky per (userID, flagKey). Frozen like the hash itself.
const variantHashSuffix = "#variants"

const (
	ReasonRuleMatch         Reason = "rule_match"
	ReasonOverride          Reason = "override"
	ReasonPercentageRollout Reason = "percentage_rollout"
	ReasonDefault           Reason = "default"
	ReasonDisabled          Reason = "disabled"
	ReasonNotFound          Reason = "not_found"
)

// Context is the transient evaluation context for one request.
type Context struct {
	UserID         string
	Email          string
	Role           string
	OrganizationID string
	Attributes     map[string]any
}

// Document builds the attribute document rule conditions resolve against.
// Identity fields are exposed both at the top level ("role") and under a
// "user" object ("user.role"); request attributes live under "attributes".
func (c Context) Document() rules.Document {
	user := map[string]any{}
	doc := rules.Document{
		"user":       user,
		"attributes": c.Attributes,
	}
	if c.UserID != "" {
		doc["userId"] = c.UserID
		user["id"] = c.UserID
	}
	if c.Email != "" {
		doc["email"] = c.Email
		user["email"] = c.Email
	}
	if c.Role != "" {
		doc["role"] = c.Role
		user["role"] = c.Role
	}
	if c.OrganizationID != "" {
		doc["organizationId"] = c.OrganizationID
		user["organizationId"] = c.OrganizationID
	}
	if c.Attributes == nil {
		doc["attributes"] = map[string]any{}
	}
	return doc
}

// Snapshot is the consistent view of one flag an evaluation runs against.
type Snapshot struct {
	Flag     *store.Flag
	Rules    []store.Rule
	Override *store.Override

	// Degraded marks a snapshot whose flag read failed for a reason other
	// than absence; the evaluation falls back to the caller default with
	// reason "default" instead of "not_found".
	Degraded bool
}

// Options tunes a single evaluation.
type Options struct {
	Debug       bool
	Environment string

	// CallerDefault is returned when the flag does not exist.
	CallerDefault any

	// DisabledOverridesPinned restores disabled-beats-override ordering.
	DisabledOverridesPinned bool

	// Now anchors expiry checks; the zero value means time.Now().
	Now time.Time
}

// Result is the outcome of one evaluation.
type Result struct {
	Value    any            `json:"value"`
	Variant  string         `json:"variant,omitempty"`
	Reason   Reason         `json:"reason"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Evaluate resolves a flag snapshot for a context.
func Evaluate(snap Snapshot, ctx Context, opts Options) Result {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	flag := snap.Flag
	if flag == nil {
		if snap.Degraded {
			return Result{Value: opts.CallerDefault, Reason: ReasonDefault}
		}
		return Result{Value: opts.CallerDefault, Reason: ReasonNotFound}
	}

	var debug *debugState
	if opts.Debug {
		debug = &debugState{environment: opts.Environment}
		if ctx.UserID != "" {
			debug.hashInput = ident.HashInput(ctx.UserID, flag.Key)
		}
	}

	// Step 1: override. A pinned value wins even when the flag is off,
	// unless the operator opted into the legacy ordering.
	if ctx.UserID != "" && snap.Override != nil && !snap.Override.Expired(now) {
		if flag.Enabled || !opts.DisabledOverridesPinned {
			return Result{
				Value:    snap.Override.Value.Payload,
				Variant:  snap.Override.Variant,
				Reason:   ReasonOverride,
				Metadata: debug.metadata(nil),
			}
		}
	}

	// Step 2: disabled.
	if !flag.Enabled {
		return Result{
			Value:    flag.DefaultValue.Payload,
			Reason:   ReasonDisabled,
			Metadata: debug.metadata(nil),
		}
	}

	// Step 3: rules, in (priority, createdAt, id) order.
	doc := ctx.Document()
	for i := range snap.Rules {
		rule := &snap.Rules[i]
		if !rule.Enabled {
			continue
		}
		debug.sawRule(rule.ID)
		if !rules.Match(rule.Conditions, doc) {
			continue
		}
		if rule.Percentage != nil {
			// The percentage gate is sticky and therefore needs a user id;
			// anonymous principals fail the gate.
			if ctx.UserID == "" {
				debug.skippedGate(rule.ID)
				continue
			}
			if float64(ident.Bucket10000(ctx.UserID, flag.Key)) >= *rule.Percentage*100 {
				debug.skippedGate(rule.ID)
				continue
			}
		}

		value := rule.Value.Payload
		variant := ""
		if rule.Variant != "" {
			if v, ok := variantByKey(flag, rule.Variant); ok {
				value = v.Value.Payload
				variant = v.Key
			}
		}
		return Result{
			Value:    value,
			Variant:  variant,
			Reason:   ReasonRuleMatch,
			Metadata: debug.metadata(map[string]any{"ruleId": rule.ID}),
		}
	}

	// Step 4: rollout gate. Anonymous principals are never in a partial
	// rollout; the assignment would not be sticky.
	if flag.RolloutPercentage < 100 {
		if ctx.UserID == "" {
			return Result{
				Value:    flag.DefaultValue.Payload,
				Reason:   ReasonDefault,
				Metadata: debug.metadata(nil),
			}
		}
		bucket := float64(ident.Bucket10000(ctx.UserID, flag.Key))
		debug.rolloutBucket(bucket / 100)
		if bucket >= flag.RolloutPercentage*100 {
			return Result{
				Value:    flag.DefaultValue.Payload,
				Reason:   ReasonDefault,
				Metadata: debug.metadata(nil),
			}
		}
	}

	// Step 5: variant selection for principals inside the rollout. The
	// bucket comes from a disambiguated hash input: reusing the rollout
	// bucket would funnel every in-rollout user into the first variant,
	// because surviving the gate already means bucket < rollout%.
	if len(flag.Variants) > 0 && ctx.UserID != "" {
		bucket := float64(ident.Bucket10000(ctx.UserID, flag.Key+variantHashSuffix)) / 100
		debug.variantBucket(bucket)
		cumulative := 0.0
		for i := range flag.Variants {
			cumulative += flag.Variants[i].Weight
			if bucket < cumulative {
				return Result{
					Value:    flag.Variants[i].Value.Payload,
					Variant:  flag.Variants[i].Key,
					Reason:   ReasonPercentageRollout,
					Metadata: debug.metadata(nil),
				}
			}
		}
		// Weight rounding can leave a sliver at the top of the range;
		// the last variant absorbs it.
		last := &flag.Variants[len(flag.Variants)-1]
		return Result{
			Value:    last.Value.Payload,
			Variant:  last.Key,
			Reason:   ReasonPercentageRollout,
			Metadata: debug.metadata(nil),
		}
	}

	return Result{
		Value:    flag.DefaultValue.Payload,
		Reason:   ReasonDefault,
		Metadata: debug.metadata(nil),
	}
}

func variantByKey(flag *store.Flag, key string) (*store.Variant, bool) {
	for i := range flag.Variants {
		if flag.Variants[i].Key == key {
			return &flag.Variants[i], true
		}
	}
	return nil, false
}

// debugState accumulates evaluation trace data when Options.Debug is set.
// A nil receiver is valid and records nothing.
type debugState struct {
	environment   string
	hashInput     string
	rulesSeen     []string
	gatesSkipped  []string
	rolloutBkt    *float64
	variantBkt    *float64
}

func (d *debugState) sawRule(id string) {
	if d != nil {
		d.rulesSeen = append(d.rulesSeen, id)
	}
}

func (d *debugState) skippedGate(id string) {
	if d != nil {
		d.gatesSkipped = append(d.gatesSkipped, id)
	}
}

func (d *debugState) rolloutBucket(b float64) {
	if d != nil {
		d.rolloutBkt = &b
	}
}

func (d *debugState) variantBucket(b float64) {
	if d != nil {
		d.variantBkt = &b
	}
}

// metadata merges debug trace data into the base metadata. With debug off it
// returns base unchanged (nil when empty) so responses stay lean.
func (d *debugState) metadata(base map[string]any) map[string]any {
	if d == nil {
		return base
	}
	m := make(map[string]any, 6)
	for k, v := range base {
		m[k] = v
	}
	m["ruleIdsEvaluated"] = d.rulesSeen
	if d.environment != "" {
		m["environment"] = d.environment
	}
	if d.hashInput != "" {
		m["hashInput"] = d.hashInput
	}
	if len(d.gatesSkipped) > 0 {
		m["percentageGatesSkipped"] = d.gatesSkipped
	}
	if d.rolloutBkt != nil {
		m["rolloutBucket"] = *d.rolloutBkt
	}
	if d.variantBkt != nil {
		m["variantBucket"] = *d.variantBkt
	}
	return m
}
