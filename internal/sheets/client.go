// Package sheets mirrors quest standings into a Google spreadsheet.
package sheets

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"google.golang.org/api/option"
	sheetsv4 "google.golang.org/api/sheets/v4"
)

// Client writes whole tabs of one spreadsheet.
type Client struct {
	srv           *sheetsv4.Service
	spreadsheetID string
}

// FromServiceAccount authorizes with a service account key file.
func FromServiceAccount(ctx context.Context, keyPath, spreadsheetID string) (*Client, error) {
	if _, err := os.Stat(keyPath); err != nil {
		return nil, errors.Wrap(err, "service account json")
	}
	return New(ctx, spreadsheetID,
		option.WithCredentialsFile(keyPath),
		option.WithScopes(sheetsv4.SpreadsheetsScope),
	)
}

// New builds a client from raw API options; tests point it at a local endpoint.
func New(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*Client, error) {
	if spreadsheetID == "" {
		return nil, errors.New("spreadsheet id is empty")
	}
	srv, err := sheetsv4.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "sheets service")
	}
	return &Client{srv: srv, spreadsheetID: spreadsheetID}, nil
}

func (c *Client) SpreadsheetID() string { return c.spreadsheetID }

// EnsureSheets adds the export tabs the spreadsheet does not have yet.
func (c *Client) EnsureSheets(ctx context.Context) error {
	doc, err := c.srv.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "read spreadsheet")
	}
	have := map[string]bool{}
	for _, sh := range doc.Sheets {
		if sh.Properties != nil {
			have[sh.Properties.Title] = true
		}
	}

	var reqs []*sheetsv4.Request
	for _, title := range []string{SheetLeaderboard, SheetMembers} {
		if !have[title] {
			reqs = append(reqs, &sheetsv4.Request{
				AddSheet: &sheetsv4.AddSheetRequest{Properties: &sheetsv4.SheetProperties{Title: title}},
			})
		}
	}
	if len(reqs) == 0 {
		return nil
	}
	_, err = c.srv.Spreadsheets.BatchUpdate(c.spreadsheetID, &sheetsv4.BatchUpdateSpreadsheetRequest{Requests: reqs}).
		Context(ctx).
		Do()
	return errors.Wrap(err, "add export sheets")
}
