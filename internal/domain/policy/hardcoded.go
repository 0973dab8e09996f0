package policy

// Hardcoded domain sets. These are compiled into the binary and can never
// be removed or overridden by the host config file: a compromised config
// cannot cut off LLM connectivity, and it cannot widen access by replacing
// a system rule with a weaker one.

// LLMDomains are the provider endpoints required for the agent to reach an
// LLM at all. Always allowed, write permitted.
var LLMDomains = []string{
	// Google / Gemini
	"generativelanguage.googleapis.com",
	"aiplatform.googleapis.com",
	"accounts.google.com",
	"oauth2.googleapis.com",
	// Anthropic
	"api.anthropic.com",
	// OpenAI
	"api.openai.com",
	"auth.openai.com",
	// Local model runtimes
	"localhost",
	"127.0.0.1",
}

// SearchAPIDomains are search engine API endpoints used by LLM web search.
// Always allowed (search queries are POSTed); page fetches that follow a
// search result go through normal whitelist filtering.
var SearchAPIDomains = []string{
	// Google Custom Search / Programmable Search Engine
	"customsearch.googleapis.com",
	"www.googleapis.com",
	// Bing Search API
	"api.bing.microsoft.com",
	// Brave Search API
	"api.search.brave.com",
	// SerpAPI
	"serpapi.com",
}

// GoogleService describes one individually whitelistable Google API.
type GoogleService struct {
	Name        string
	Description string
	Risk        string
}

// GoogleServices is the catalog of Google APIs a user may enable via
// allowed_google_services. Default state: all blocked. Entries not in this
// catalog are skipped when a policy is resolved.
var GoogleServices = map[string]GoogleService{
	"drive.googleapis.com": {
		Name:        "Google Drive",
		Description: "File storage, sharing, and collaboration",
		Risk:        "high",
	},
	"gmail.googleapis.com": {
		Name:        "Gmail",
		Description: "Email sending and inbox access",
		Risk:        "high",
	},
	"calendar.googleapis.com": {
		Name:        "Google Calendar",
		Description: "Event creation, scheduling, and invitations",
		Risk:        "medium",
	},
	"youtube.googleapis.com": {
		Name:        "YouTube",
		Description: "Video search, metadata, and playlist management",
		Risk:        "low",
	},
	"photoslibrary.googleapis.com": {
		Name:        "Google Photos",
		Description: "Photo library access and management",
		Risk:        "medium",
	},
	"people.googleapis.com": {
		Name:        "Google People (Contacts)",
		Description: "Contact list access and management",
		Risk:        "high",
	},
	"docs.googleapis.com": {
		Name:        "Google Docs",
		Description: "Document creation and editing",
		Risk:        "medium",
	},
	"sheets.googleapis.com": {
		Name:        "Google Sheets",
		Description: "Spreadsheet creation and data access",
		Risk:        "medium",
	},
	"slides.googleapis.com": {
		Name:        "Google Slides",
		Description: "Presentation creation and editing",
		Risk:        "low",
	},
}

// IsLLMDomain reports whether hostname is one of the hardcoded LLM
// provider endpoints. Used by the content inspector to exempt traffic
// that legitimately carries the caller's own API keys.
func IsLLMDomain(hostname string) bool {
	for _, d := range LLMDomains {
		if hostname == d {
			return true
		}
	}
	return false
}

// isLoopback reports whether the domain refers to the local host, where
// plain HTTP is acceptable.
func isLoopback(domain string) bool {
	return domain == "localhost" || domain == "127.0.0.1"
}
