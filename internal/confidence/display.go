package confidence

// Badge is the presentation of a score bucket.
type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color"`
}

var badges = map[Recommendation]Badge{
	High:   {Text: "High Confidence", Color: "green"},
	Medium: {Text: "Medium Confidence", Color: "yellow"},
	Low:    {Text: "Low Confidence", Color: "red"},
}

// Color returns the display color for a score.
func Color(v float64) string {
	return badges[Recommend(v)].Color
}

// BadgeFor returns the badge for a score.
func BadgeFor(v float64) Badge {
	return badges[Recommend(v)]
}
