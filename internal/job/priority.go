package job

// PriorityClass names why a job is pending. The rank of each class comes
// from a PriorityTable so operators can change precedence without code
// changes.
type PriorityClass int

const (
	ClassNone PriorityClass = iota
	ClassFresh
	ClassResumed
	ClassRetry
	ClassUrgent
)

func (c PriorityClass) String() string {
	switch c {
	case ClassFresh:
		return "fresh"
	case ClassResumed:
		return "resumed"
	case ClassRetry:
		return "retry"
	case ClassUrgent:
		return "urgent"
	default:
		return "none"
	}
}

// PriorityTable maps each class to a rank; higher ranks dequeue first.
type PriorityTable struct {
	Urgent  int `yaml:"urgent"`
	Resumed int `yaml:"resumed"`
	Fresh   int `yaml:"fresh"`
	Retry   int `yaml:"retry"`
}

// DefaultPriorityTable puts urgent jobs first, then work interrupted by a
// policy pause, then new jobs, then retries.
func DefaultPriorityTable() PriorityTable {
	return PriorityTable{
		Urgent:  30,
		Resumed: 20,
		Fresh:   10,
		Retry:   0,
	}
}

// Rank returns the rank of c. ClassNone ranks below every other class.
func (t PriorityTable) Rank(c PriorityClass) int {
	switch c {
	case ClassUrgent:
		return t.Urgent
	case ClassResumed:
		return t.Resumed
	case ClassFresh:
		return t.Fresh
	case ClassRetry:
		return t.Retry
	default:
		return minRank
	}
}

const minRank = -1 << 31

// Classify returns the class a job should carry when it enters PENDING from
// its previous state. Restored jobs keep the class they had before deletion.
func Classify(j *Job) PriorityClass {
	if j.Urgent {
		return ClassUrgent
	}
	switch j.PreviousState {
	case StatePause:
		return ClassResumed
	case StateFailed:
		return ClassRetry
	case StateDeleted:
		if j.Class != ClassNone {
			return j.Class
		}
		return ClassFresh
	default:
		return ClassFresh
	}
}

// Greater is the queue comparator: higher rank first, then the older job,
// then construction order. Distinct jobs never compare equal.
func (t PriorityTable) Greater(a, b *Job) bool {
	ra, rb := t.Rank(a.Class), t.Rank(b.Class)
	if ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}
