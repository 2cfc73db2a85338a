package google

import (
	"context"
	"encoding/json"
	"fmt"
	"freeslot/internal/models"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
	primaryCalendar = "primary"
	pageSize        = 250
)

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
	owner   string
}

// NewClient creates a Google Calendar client for an account authorised with the auth command.
// The account name doubles as the participant identifier the events are stored under,
// and its token is read from token-<accountName>.json in tokenDir.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenDir, accountName string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(TokenPath(tokenDir, accountName))
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	return newClientWithToken(ctx, logger, config, token, accountName)
}

func newClientWithToken(ctx context.Context, logger *slog.Logger, config *oauth2.Config, token *oauth2.Token, owner string) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger, owner: owner}, nil
}

// Owner returns the participant the client reads calendars for.
func (c *CalendarClient) Owner() string {
	return c.owner
}

// FetchEvents lists the events of a calendar that overlap [start, end).
// Recurring events are expanded into single instances.
func (c *CalendarClient) FetchEvents(ctx context.Context, calendarID string, start, end time.Time) ([]*models.Event, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "owner", c.owner, "start", start, "end", end)

	var items []*calendar.Event
	err := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		MaxResults(pageSize).
		OrderBy("startTime").
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Info("Successfully fetched events from Google Calendar", "count", len(items), "calendarID", calendarID, "owner", c.owner)
	return c.toInternalEvents(items, calendarID), nil
}

// toInternalEvents converts Google Calendar events to the internal Event model.
func (c *CalendarClient) toInternalEvents(googleEvents []*calendar.Event, source string) []*models.Event {
	var internalEvents []*models.Event
	for _, item := range googleEvents {
		if item.Start == nil || item.End == nil {
			continue
		}

		startTime, endTime, allDay, err := eventTimes(item)
		if err != nil {
			c.logger.Warn("Skipping event with unreadable times", "id", item.Id, "error", err)
			continue
		}

		title := item.Summary
		if title == "" {
			title = models.DefaultTitle
		}

		internalEvents = append(internalEvents, &models.Event{
			ID:        item.Id,
			Owner:     c.owner,
			Title:     title,
			StartTime: startTime,
			EndTime:   endTime,
			AllDay:    allDay,
			UID:       item.ICalUID,
			Source:    fmt.Sprintf("google-%s", source),
		})
	}
	return internalEvents
}

// eventTimes reads an event's bounds. Date-only events are all-day events.
func eventTimes(item *calendar.Event) (time.Time, time.Time, bool, error) {
	if item.Start.DateTime == "" {
		start, err := time.Parse("2006-01-02", item.Start.Date)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("parse start date: %w", err)
		}
		end, err := time.Parse("2006-01-02", item.End.Date)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("parse end date: %w", err)
		}
		return start, end, true, nil
	}

	start, err := time.Parse(time.RFC3339, item.Start.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("parse start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, item.End.DateTime)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("parse end: %w", err)
	}
	return start.UTC(), end.UTC(), false, nil
}

// LiveSource reads a search caller's primary calendar with the caller's own token.
type LiveSource struct {
	config *oauth2.Config
	logger *slog.Logger
}

// NewLiveSource creates a LiveSource. The OAuth client is needed to refresh expired tokens.
func NewLiveSource(logger *slog.Logger, clientID, clientSecret string) (*LiveSource, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}
	return &LiveSource{config: config, logger: logger}, nil
}

// FetchEvents returns the events on the identity's primary calendar between start and end.
func (s *LiveSource) FetchEvents(ctx context.Context, identity string, token *oauth2.Token, start, end time.Time) ([]*models.Event, error) {
	client, err := newClientWithToken(ctx, s.logger, s.config, token, identity)
	if err != nil {
		return nil, err
	}
	return client.FetchEvents(ctx, primaryCalendar, start, end)
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes environment variables over a local credentials.json file.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarReadonlyScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenPath returns where the token of an account is kept.
func TokenPath(dir, accountName string) string {
	return filepath.Join(dir, "token-"+accountName+".json")
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	return tokenFromFile(path)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// DiscoverCalendars finds all calendars associated with the authenticated account.
func (c *CalendarClient) DiscoverCalendars(ctx context.Context) ([]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	var calendarIDs []string
	for _, item := range list.Items {
		calendarIDs = append(calendarIDs, item.Id)
	}
	return calendarIDs, nil
}

// GetTokenAccounts lists the accounts that have a token file in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
