package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/careorders/internal/domain/order"
	"github.com/ehr/careorders/internal/domain/roster"
)

// RetrieveLead is how long before an administration its retrieve task is due.
const RetrieveLead = 30 * time.Minute

// Expander turns an order's timing strategy into task specs. It performs no
// writes and is safe for concurrent use.
type Expander struct {
	slots  roster.SlotTable
	lead   time.Duration
	loc    *time.Location
	logger zerolog.Logger
}

// NewExpander builds an expander. immediateLead is added to now to anchor
// Immediate orders; loc is the ward's timezone for daily slots.
func NewExpander(slots roster.SlotTable, immediateLead time.Duration, loc *time.Location, logger zerolog.Logger) *Expander {
	if loc == nil {
		loc = time.UTC
	}
	return &Expander{slots: slots, lead: immediateLead, loc: loc, logger: logger}
}

// RouteCategory maps a usage route to the administration task category.
func RouteCategory(r order.Route) Category {
	switch r {
	case order.RouteIVInfusion, order.RouteInhalation, order.RouteNebulization:
		return CategoryDuration
	case order.RouteSkinTest:
		return CategoryResultPending
	default:
		return CategoryImmediate
	}
}

// Expand returns the specs for o that fall strictly after now, sorted by
// planned time with the retrieve step first at equal instants. The only
// error is a failed slot lookup.
func (e *Expander) Expand(ctx context.Context, o *order.Order, now time.Time) ([]Spec, error) {
	var instants []time.Time
	switch o.TimingStrategy {
	case order.StrategyImmediate:
		return e.immediate(o, now)
	case order.StrategySpecific:
		if o.StartTime == nil || !o.StartTime.After(now) {
			e.logger.Warn().Str("order_id", o.ID.String()).Msg("specific order is past due, nothing to schedule")
			return nil, nil
		}
		instants = []time.Time{*o.StartTime}
	case order.StrategyCyclic:
		instants = e.cyclic(o, now)
	case order.StrategySlots:
		var err error
		instants, err = e.daily(ctx, o, now)
		if err != nil {
			return nil, err
		}
	default:
		e.logger.Warn().Str("order_id", o.ID.String()).Str("strategy", string(o.TimingStrategy)).Msg("unknown timing strategy")
		return nil, nil
	}
	return e.pairs(o, instants, now)
}

// immediate anchors the pair just after now. The retrieve step keeps its
// lead when that still lies in the future and collapses onto the anchor
// otherwise.
func (e *Expander) immediate(o *order.Order, now time.Time) ([]Spec, error) {
	lead := e.lead
	if lead <= 0 {
		lead = time.Minute
	}
	at := now.Add(lead)
	retrieveAt := at.Add(-RetrieveLead)
	if !retrieveAt.After(now) {
		retrieveAt = at
	}
	retrieve, err := e.spec(o, KindRetrieve, retrieveAt)
	if err != nil {
		return nil, err
	}
	administer, err := e.spec(o, KindAdminister, at)
	if err != nil {
		return nil, err
	}
	return []Spec{retrieve, administer}, nil
}

func start(o *order.Order, now time.Time) time.Time {
	if o.StartTime != nil {
		return *o.StartTime
	}
	return now
}

func (e *Expander) cyclic(o *order.Order, now time.Time) []time.Time {
	log := e.logger.Warn().Str("order_id", o.ID.String())
	if o.IntervalHours == nil || *o.IntervalHours <= 0 || o.IntervalDays <= 0 {
		log.Msg("cyclic order has no usable interval")
		return nil
	}
	begin := start(o, now)
	if o.PlanEndTime.Before(begin) {
		log.Msg("cyclic order ends before it starts")
		return nil
	}
	step := time.Duration(*o.IntervalHours * float64(time.Hour))
	if step <= 0 {
		log.Msg("cyclic interval rounds to zero")
		return nil
	}
	var out []time.Time
	for t := begin; !t.After(o.PlanEndTime); t = t.Add(step) {
		if t.After(now) {
			out = append(out, t)
		}
	}
	return out
}

func (e *Expander) daily(ctx context.Context, o *order.Order, now time.Time) ([]time.Time, error) {
	if o.SlotsMask <= 0 || o.IntervalDays <= 0 {
		e.logger.Warn().Str("order_id", o.ID.String()).Msg("slots order has no mask or day interval")
		return nil, nil
	}
	table, err := e.slots.ListSlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list time slots: %w", err)
	}
	slots := roster.Match(table, o.SlotsMask)
	if len(slots) == 0 {
		e.logger.Warn().Str("order_id", o.ID.String()).Int64("mask", o.SlotsMask).Msg("slots mask matches no slot")
		return nil, nil
	}

	begin := start(o, now).In(e.loc)
	end := o.PlanEndTime.In(e.loc)
	day := time.Date(begin.Year(), begin.Month(), begin.Day(), 0, 0, 0, 0, e.loc)
	lastDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, e.loc)

	var out []time.Time
	for ; !day.After(lastDay); day = day.AddDate(0, 0, o.IntervalDays) {
		for _, s := range slots {
			m := int(s.TimeOfDay / time.Minute)
			at := time.Date(day.Year(), day.Month(), day.Day(), m/60, m%60, 0, 0, e.loc)
			if at.Before(begin) || at.After(end) || !at.After(now) {
				continue
			}
			out = append(out, at)
		}
	}
	return out, nil
}

// pairs emits a retrieve and an administration per instant. A retrieve
// that would fall at or before now is dropped on its own.
func (e *Expander) pairs(o *order.Order, instants []time.Time, now time.Time) ([]Spec, error) {
	specs := make([]Spec, 0, 2*len(instants))
	for _, at := range instants {
		if retrieveAt := at.Add(-RetrieveLead); retrieveAt.After(now) {
			s, err := e.spec(o, KindRetrieve, retrieveAt)
			if err != nil {
				return nil, err
			}
			specs = append(specs, s)
		}
		s, err := e.spec(o, KindAdminister, at)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	sort.SliceStable(specs, func(i, j int) bool {
		if !specs[i].PlannedStartTime.Equal(specs[j].PlannedStartTime) {
			return specs[i].PlannedStartTime.Before(specs[j].PlannedStartTime)
		}
		return specs[i].Kind == KindRetrieve && specs[j].Kind != KindRetrieve
	})
	return specs, nil
}

func (e *Expander) spec(o *order.Order, kind Kind, at time.Time) (Spec, error) {
	category := CategoryVerification
	if kind == KindAdminister {
		category = RouteCategory(o.UsageRoute)
	}
	payload, err := json.Marshal(Payload{
		Kind:      kind,
		OrderID:   o.ID,
		OrderKind: o.Kind,
		Route:     o.UsageRoute,
		Items:     o.Items,
	})
	if err != nil {
		return Spec{}, fmt.Errorf("encode task payload: %w", err)
	}
	return Spec{Category: category, Kind: kind, PlannedStartTime: at.UTC(), DataPayload: payload}, nil
}
