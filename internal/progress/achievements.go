package progress

// Achievement describes one entry of the known catalogue.
type Achievement struct {
	ID       string
	Points   int
	Category string
}

// Catalogue is the full set of achievements the application can unlock.
// completionPercentage is computed against its size, so adding entries
// lowers everyone's percentage until they catch up.
var Catalogue = map[string]Achievement{
	"first_session":    {ID: "first_session", Points: 10, Category: "sessions"},
	"ten_sessions":     {ID: "ten_sessions", Points: 25, Category: "sessions"},
	"hundred_sessions": {ID: "hundred_sessions", Points: 100, Category: "sessions"},
	"streak_7":         {ID: "streak_7", Points: 25, Category: "streak"},
	"streak_30":        {ID: "streak_30", Points: 75, Category: "streak"},
	"streak_100":       {ID: "streak_100", Points: 200, Category: "streak"},
	"streak_365":       {ID: "streak_365", Points: 500, Category: "streak"},
	"level_5":          {ID: "level_5", Points: 25, Category: "xp"},
	"level_10":         {ID: "level_10", Points: 50, Category: "xp"},
	"level_25":         {ID: "level_25", Points: 150, Category: "xp"},
	"level_50":         {ID: "level_50", Points: 300, Category: "xp"},
	"items_1000":       {ID: "items_1000", Points: 50, Category: "reviews"},
	"items_10000":      {ID: "items_10000", Points: 200, Category: "reviews"},
	"accuracy_90":      {ID: "accuracy_90", Points: 75, Category: "reviews"},
	"night_owl":        {ID: "night_owl", Points: 10, Category: "habits"},
	"early_bird":       {ID: "early_bird", Points: 10, Category: "habits"},
}

// CatalogueSize is the denominator for completion percentage.
func CatalogueSize() int {
	return len(Catalogue)
}

// PointsFor returns the points for an achievement id, zero for ids outside
// the catalogue. Unknown ids still unlock (older clients may know newer
// achievements) but contribute no points.
func PointsFor(id string) int {
	return Catalogue[id].Points
}

// CategoryFor returns the catalogue category, "other" for unknown ids.
func CategoryFor(id string) string {
	if a, ok := Catalogue[id]; ok {
		return a.Category
	}
	return "other"
}
