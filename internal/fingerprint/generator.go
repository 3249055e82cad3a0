package fingerprint

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// Profile is a deterministic synthetic device identity derived from an
// account id. Each account presents the same device signature across
// restarts and re-initializations to avoid detection.
type Profile struct {
	UserAgent  string `json:"userAgent"`
	Resolution string `json:"resolution"` // "WIDTHxHEIGHT"
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Timezone   string `json:"timezone"`
	Cores      int    `json:"cores"`
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:122.0) Gecko/20100101 Firefox/122.0",
}

type resolution struct {
	Width  int
	Height int
}

var resolutions = []resolution{
	{1920, 1080},
	{1366, 768},
	{1536, 864},
	{1440, 900},
	{1600, 900},
	{2560, 1440},
	{1280, 720},
}

var timezones = []string{
	"America/New_York",
	"America/Chicago",
	"America/Los_Angeles",
	"Europe/London",
	"Europe/Berlin",
	"Europe/Paris",
	"Asia/Jerusalem",
	"Australia/Sydney",
}

var coreCounts = []int{2, 4, 6, 8, 12, 16}

// Generate derives a DETERMINISTIC profile from an account id.
// Same id = same profile across restarts (for consistency).
// Different ids = different profiles (for anti-ban).
// Pure function: no external state, no database round-trip.
func Generate(accountID string) Profile {
	rnd := rand.New(rand.NewSource(int64(seed(accountID))))

	ua := userAgents[rnd.Intn(len(userAgents))]
	res := resolutions[rnd.Intn(len(resolutions))]
	tz := timezones[rnd.Intn(len(timezones))]
	cores := coreCounts[rnd.Intn(len(coreCounts))]

	return Profile{
		UserAgent:  ua,
		Resolution: fmt.Sprintf("%dx%d", res.Width, res.Height),
		Width:      res.Width,
		Height:     res.Height,
		Timezone:   tz,
		Cores:      cores,
	}
}

// seed hashes an account id to a 32-bit PRNG seed.
func seed(accountID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return h.Sum32()
}

// ToMap returns the profile as a map for JSON serialization
func (p Profile) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"userAgent":  p.UserAgent,
		"resolution": p.Resolution,
		"timezone":   p.Timezone,
		"cores":      p.Cores,
	}
}
