package models

import (
	"fmt"
	"time"
)

// MinIntervalMinutes is the shortest schedule a rule may use
const MinIntervalMinutes = 5

// SyncType is the data category a rule synchronizes
type SyncType string

const (
	SyncTypeInventory SyncType = "inventory"
	SyncTypeProducts  SyncType = "products"
	SyncTypePrices    SyncType = "prices"
	SyncTypeOrders    SyncType = "orders"
)

// IsValid reports whether t is one of the known sync types
func (t SyncType) IsValid() bool {
	switch t {
	case SyncTypeInventory, SyncTypeProducts, SyncTypePrices, SyncTypeOrders:
		return true
	}
	return false
}

// Mode is the propagation direction of a rule
type Mode string

const (
	ModeOneWay Mode = "one-way"
	ModeTwoWay Mode = "two-way"
)

// RuleStatus controls whether the scheduler picks a rule up
type RuleStatus string

const (
	RuleActive RuleStatus = "active"
	RulePaused RuleStatus = "paused"
)

// ConflictPolicy decides the winner when both sides of a mapping changed
type ConflictPolicy string

const (
	PolicySourceWins ConflictPolicy = "source-wins"
	PolicyTargetWins ConflictPolicy = "target-wins"
	PolicyManual     ConflictPolicy = "manual"
)

// IsValid reports whether p is one of the known policies
func (p ConflictPolicy) IsValid() bool {
	switch p {
	case PolicySourceWins, PolicyTargetWins, PolicyManual:
		return true
	}
	return false
}

// RunStatus is the overall outcome of a run
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunError   RunStatus = "error"
	RunStopped RunStatus = "stopped"
)

// ItemOutcome is the result of processing one source entity
type ItemOutcome string

const (
	OutcomeSucceeded  ItemOutcome = "succeeded"
	OutcomeFailed     ItemOutcome = "failed"
	OutcomeSkipped    ItemOutcome = "skipped"
	OutcomeConflicted ItemOutcome = "conflicted"
)

// ConflictState tracks whether a conflict still needs a decision
type ConflictState string

const (
	ConflictPending  ConflictState = "pending"
	ConflictResolved ConflictState = "resolved"
)

// Trigger records what started a run
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// SyncRule is a configured directive to synchronize one data category between two stores
type SyncRule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	SourceStoreID   string         `json:"sourceStoreId" validate:"required"`
	TargetStoreID   string         `json:"targetStoreId" validate:"required,nefield=SourceStoreID"`
	SyncType        SyncType       `json:"syncType" validate:"required,oneof=inventory products prices orders"`
	Mode            Mode           `json:"mode" validate:"required,oneof=one-way two-way"`
	IntervalMinutes int            `json:"interval" validate:"min=5"`
	Status          RuleStatus     `json:"status" validate:"required,oneof=active paused"`
	ConflictPolicy  ConflictPolicy `json:"conflictPolicy,omitempty" validate:"omitempty,oneof=source-wins target-wins manual"`
	LastRunAt       *time.Time     `json:"lastRunAt,omitempty"`
	LastRunStatus   RunStatus      `json:"lastRunStatus,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Interval returns the rule's schedule as a duration
func (r SyncRule) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}

// PairKey identifies the (sync type, source, target) triple shared by rules that touch the same mappings
func (r SyncRule) PairKey() string {
	return fmt.Sprintf("%s:%s:%s", r.SyncType, r.SourceStoreID, r.TargetStoreID)
}

// RulePatch carries a partial update; nil fields are left unchanged
type RulePatch struct {
	Name            *string         `json:"name,omitempty"`
	SourceStoreID   *string         `json:"sourceStoreId,omitempty"`
	TargetStoreID   *string         `json:"targetStoreId,omitempty"`
	SyncType        *SyncType       `json:"syncType,omitempty"`
	Mode            *Mode           `json:"mode,omitempty"`
	IntervalMinutes *int            `json:"interval,omitempty"`
	Status          *RuleStatus     `json:"status,omitempty"`
	ConflictPolicy  *ConflictPolicy `json:"conflictPolicy,omitempty"`
}

// Apply returns a copy of rule with the patch applied
func (p RulePatch) Apply(rule SyncRule) SyncRule {
	if p.Name != nil {
		rule.Name = *p.Name
	}
	if p.SourceStoreID != nil {
		rule.SourceStoreID = *p.SourceStoreID
	}
	if p.TargetStoreID != nil {
		rule.TargetStoreID = *p.TargetStoreID
	}
	if p.SyncType != nil {
		rule.SyncType = *p.SyncType
	}
	if p.Mode != nil {
		rule.Mode = *p.Mode
	}
	if p.IntervalMinutes != nil {
		rule.IntervalMinutes = *p.IntervalMinutes
	}
	if p.Status != nil {
		rule.Status = *p.Status
	}
	if p.ConflictPolicy != nil {
		rule.ConflictPolicy = *p.ConflictPolicy
	}
	return rule
}

// RuleFilter narrows rule listings; empty fields match everything
type RuleFilter struct {
	Status   RuleStatus
	SyncType SyncType
	StoreID  string // matches either side
}

// MappingKey is the uniqueness key of a mapping
type MappingKey struct {
	SyncType       SyncType `json:"syncType"`
	SourceStoreID  string   `json:"sourceStoreId"`
	SourceEntityID string   `json:"sourceEntityId"`
	TargetStoreID  string   `json:"targetStoreId"`
}

func (k MappingKey) String() string {
	return fmt.Sprintf("%s/%s/%s->%s", k.SyncType, k.SourceStoreID, k.SourceEntityID, k.TargetStoreID)
}

// PairKey matches SyncRule.PairKey for the rules that own this mapping
func (k MappingKey) PairKey() string {
	return fmt.Sprintf("%s:%s:%s", k.SyncType, k.SourceStoreID, k.TargetStoreID)
}

// Mapping is the durable correspondence between a source entity and its target counterpart
type Mapping struct {
	ID             string    `json:"id"`
	SyncType       SyncType  `json:"syncType" validate:"required,oneof=inventory products prices orders"`
	SourceStoreID  string    `json:"sourceStoreId" validate:"required"`
	SourceEntityID string    `json:"sourceEntityId" validate:"required"`
	TargetStoreID  string    `json:"targetStoreId" validate:"required,nefield=SourceStoreID"`
	TargetEntityID string    `json:"targetEntityId" validate:"required"`
	CreatedAt      time.Time `json:"createdAt"`
	LastSyncedAt   time.Time `json:"lastSyncedAt"`
	LastSyncedHash string    `json:"lastSyncedHash"`
}

// Key returns the mapping's uniqueness key
func (m Mapping) Key() MappingKey {
	return MappingKey{
		SyncType:       m.SyncType,
		SourceStoreID:  m.SourceStoreID,
		SourceEntityID: m.SourceEntityID,
		TargetStoreID:  m.TargetStoreID,
	}
}

// MappingFilter narrows mapping listings
type MappingFilter struct {
	SyncType      SyncType
	SourceStoreID string
	TargetStoreID string
}

// Conflict records a two-way divergence where both sides changed since the last sync
type Conflict struct {
	ID             string         `json:"id"`
	RuleID         string         `json:"ruleId"`
	MappingID      string         `json:"mappingId"`
	SyncType       SyncType       `json:"syncType"`
	SourceSnapshot Entity         `json:"sourceSnapshot"`
	TargetSnapshot Entity         `json:"targetSnapshot"`
	DetectedAt     time.Time      `json:"detectedAt"`
	State          ConflictState  `json:"state"`
	Method         ConflictPolicy `json:"method,omitempty"`
	ResolvedValue  *Entity        `json:"resolvedValue,omitempty"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// ConflictFilter narrows conflict listings
type ConflictFilter struct {
	State  ConflictState
	RuleID string
}

// ItemCounts aggregates per-item outcomes of a run
type ItemCounts struct {
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Conflicted int `json:"conflicted"`
}

// Add increments the counter for outcome
func (c *ItemCounts) Add(outcome ItemOutcome) {
	switch outcome {
	case OutcomeSucceeded:
		c.Succeeded++
	case OutcomeFailed:
		c.Failed++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeConflicted:
		c.Conflicted++
	}
}

// Total returns the number of processed items
func (c ItemCounts) Total() int {
	return c.Succeeded + c.Failed + c.Skipped + c.Conflicted
}

// SyncLog is the record of one run. Rule and store fields are copied at run start
// so the log stays meaningful after the rule is edited or deleted.
type SyncLog struct {
	ID            string     `json:"id"`
	RunID         string     `json:"runId"`
	RuleID        string     `json:"ruleId"`
	RuleName      string     `json:"ruleName"`
	SourceStoreID string     `json:"sourceStoreId"`
	TargetStoreID string     `json:"targetStoreId"`
	SyncType      SyncType   `json:"syncType"`
	Trigger       Trigger    `json:"trigger"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Status        RunStatus  `json:"status"`
	Counts        ItemCounts `json:"counts"`
	Message       string     `json:"message"`
}

// LogFilter narrows log queries. Zero times are open bounds.
type LogFilter struct {
	RuleID string
	Status RunStatus
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// ItemResult is the detailed outcome of one item within a run
type ItemResult struct {
	ID             int64       `json:"id"`
	RunID          string      `json:"runId"`
	RuleID         string      `json:"ruleId"`
	SourceEntityID string      `json:"sourceEntityId"`
	TargetEntityID string      `json:"targetEntityId,omitempty"`
	Outcome        ItemOutcome `json:"outcome"`
	Error          string      `json:"error,omitempty"`
	Attempts       int         `json:"attempts"`
	RecordedAt     time.Time   `json:"recordedAt"`
}

// Settings holds global defaults applied to new rules and runs
type Settings struct {
	DefaultIntervalMinutes int            `json:"defaultInterval" validate:"min=5"`
	DefaultConflictPolicy  ConflictPolicy `json:"defaultConflictPolicy" validate:"required,oneof=source-wins target-wins manual"`
	UpdatedAt              time.Time      `json:"updatedAt"`
}

// DefaultSettings returns the settings used before an operator changes them
func DefaultSettings() Settings {
	return Settings{
		DefaultIntervalMinutes: 30,
		DefaultConflictPolicy:  PolicyManual,
	}
}
