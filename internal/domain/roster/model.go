// Package roster supplies the two scheduling collaborators of the task
// generator: the named daily time slots used by Slots orders, and the ward
// roster that decides which nurse is responsible for a patient at a time.
package roster

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Slot is a named daily administration time. ID is a single bit so that an
// order selects slots with a bitmask.
type Slot struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	TimeOfDay time.Duration `json:"time_of_day"`
}

// Clock renders the slot time as HH:MM.
func (s Slot) Clock() string {
	m := int(s.TimeOfDay / time.Minute)
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// DefaultSlots is the ward's standard administration timetable, used when the
// time_slot table is empty.
var DefaultSlots = []Slot{
	{ID: 1, Name: "early", TimeOfDay: 6 * time.Hour},
	{ID: 2, Name: "morning", TimeOfDay: 8 * time.Hour},
	{ID: 4, Name: "noon", TimeOfDay: 12 * time.Hour},
	{ID: 8, Name: "afternoon", TimeOfDay: 16 * time.Hour},
	{ID: 16, Name: "evening", TimeOfDay: 20 * time.Hour},
	{ID: 32, Name: "night", TimeOfDay: 22 * time.Hour},
}

// Match returns the slots selected by mask, ordered by time of day.
func Match(slots []Slot, mask int64) []Slot {
	var out []Slot
	for _, s := range slots {
		if s.ID > 0 && mask&s.ID == s.ID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeOfDay < out[j].TimeOfDay })
	return out
}

// Assignment puts a nurse in charge of a patient for a shift.
type Assignment struct {
	ID         uuid.UUID `db:"id" json:"id"`
	PatientID  uuid.UUID `db:"patient_id" json:"patient_id"`
	NurseID    uuid.UUID `db:"nurse_id" json:"nurse_id"`
	ShiftStart time.Time `db:"shift_start" json:"shift_start"`
	ShiftEnd   time.Time `db:"shift_end" json:"shift_end"`
	CreatedBy  uuid.UUID `db:"created_by" json:"created_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
