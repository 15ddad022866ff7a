package pattern

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Service is one entry of the service catalog.
type Service struct {
	Key string
	// Name is the display name reported on candidates.
	Name string
	// Matcher recognises the service in message sender, subject or body.
	Matcher Rule
	// MerchantTokens are upper-case substrings of bank merchant names.
	MerchantTokens []string
	// TrialDays is the typical trial length. Zero means unknown.
	TrialDays int
}

var titler = cases.Title(language.English)

func service(key, expr string, days int, tokens ...string) Service {
	return Service{
		Key:            key,
		Name:           titler.String(key),
		Matcher:        rule(key, expr),
		MerchantTokens: tokens,
		TrialDays:      days,
	}
}

func defaultServices() []Service {
	return []Service{
		service("netflix", `netflix`, 30, "NETFLIX", "NETFLIX.COM"),
		service("spotify", `spotify`, 30, "SPOTIFY", "SPOTIFY USA"),
		service("amazon", `amazon.*prime`, 30, "AMAZON PRIME", "AMZN", "AMAZON"),
		service("apple", `apple.*music|icloud`, 7, "APPLE.COM/BILL", "APPLE SERVICES", "ITUNES"),
		service("disney", `disney`, 7, "DISNEY PLUS", "DISNEYPLUS"),
		service("hulu", `hulu`, 30, "HULU", "HULU.COM"),
		service("youtube", `youtube.*premium`, 30, "GOOGLE YOUTUBE", "YOUTUBE PREMIUM"),
		service("adobe", `adobe.*creative`, 7, "ADOBE", "ADOBE SYSTEMS"),
		service("microsoft", `microsoft.*365|office.*365`, 30, "MICROSOFT", "MSFT", "OFFICE 365"),
		service("google", `google.*workspace|g.*suite`, 14, "GOOGLE", "GSUITE", "GOOGLE WORKSPACE"),
		service("dropbox", `dropbox`, 30, "DROPBOX"),
		service("notion", `notion`, 30, "NOTION"),
		service("slack", `slack`, 30, "SLACK"),
		service("zoom", `zoom`, 30, "ZOOM"),
		service("canva", `canva`, 30, "CANVA"),
		service("figma", `figma`, 30, "FIGMA"),
	}
}

// IdentifyService returns the first catalog entry whose matcher matches any of
// the fields. The catalog is walked in order and, for each entry, fields are
// tried in the order given.
func (l *Library) IdentifyService(fields ...string) (Service, bool) {
	for _, s := range l.Services {
		for _, f := range fields {
			if f != "" && s.Matcher.Re.MatchString(f) {
				return s, true
			}
		}
	}
	return Service{}, false
}

// ResolveMerchant maps a bank merchant string to a catalog entry by
// case-normalised substring match on the merchant tokens.
func (l *Library) ResolveMerchant(name string) (Service, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return Service{}, false
	}
	for _, s := range l.Services {
		for _, tok := range s.MerchantTokens {
			if strings.Contains(name, tok) {
				return s, true
			}
		}
	}
	return Service{}, false
}

// TrialLength returns the typical trial length in days for s, falling back to
// DefaultTrialDays.
func (l *Library) TrialLength(s Service) int {
	if s.TrialDays > 0 {
		return s.TrialDays
	}
	return l.DefaultTrialDays
}

// ServiceByName looks a service up by key or display name, case-insensitively.
func (l *Library) ServiceByName(name string) (Service, bool) {
	for _, s := range l.Services {
		if strings.EqualFold(s.Key, name) || strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Service{}, false
}
