package domain

// OutlineStatus is the progress marker of an outline chapter.
type OutlineStatus string

const (
	StatusTBD        OutlineStatus = "TBD"
	StatusInProgress OutlineStatus = "In Progress"
	StatusComplete   OutlineStatus = "Complete"
)

// OutlineEntry is one stage of the biography outline.
type OutlineEntry struct {
	Chapter int           `json:"chapter"`
	Title   string        `json:"title"`
	Status  OutlineStatus `json:"status"`
}

var outlineTitles = [...]string{
	"Hook – Defining Moment",
	"Origins – Early Life & Influences",
	"Call to Action – First Big Decision",
	"Rising Conflict – Struggles & Growth",
	"The Climax – Defining Achievements",
}

// OutlineLength is the fixed number of chapters in every outline.
const OutlineLength = len(outlineTitles)

// DefaultOutline returns a fresh copy of the five-chapter outline, all TBD.
// Nothing advances a status today; the field is carried for clients.
func DefaultOutline() []OutlineEntry {
	out := make([]OutlineEntry, OutlineLength)
	for i, title := range outlineTitles {
		out[i] = OutlineEntry{Chapter: i + 1, Title: title, Status: StatusTBD}
	}
	return out
}
