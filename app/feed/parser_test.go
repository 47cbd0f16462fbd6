package feed

import (
	"testing"
)

func TestParseRSS2(t *testing.T) {
	rssData := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <link>https://example.com</link>
    <description>Test Description</description>
    <language>en-us</language>
    <image>
      <url>https://example.com/icon.png</url>
      <title>Test Feed</title>
      <link>https://example.com</link>
    </image>
    <item>
      <title>Test Item 1</title>
      <link>https://example.com/item1</link>
      <description>Test Item 1 Description</description>
      <guid>item-1</guid>
      <pubDate>Mon, 03 Jul 2023 10:00:00 GMT</pubDate>
      <author>test@example.com (Test Author)</author>
      <category>Technology</category>
      <category>Programming</category>
    </item>
    <item>
      <title>Test Item 2</title>
      <link>https://example.com/item2</link>
      <description>Test Item 2 Description</description>
      <pubDate>Mon, 03 Jul 2023 11:00:00 GMT</pubDate>
    </item>
  </channel>
</rss>`

	parser := NewParser()
	metadata, items, err := parser.Run([]byte(rssData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if metadata.Title != "Test Feed" {
		t.Errorf("Expected title 'Test Feed', got: %s", metadata.Title)
	}
	if metadata.Language != "en-us" {
		t.Errorf("Expected language 'en-us', got: %s", metadata.Language)
	}
	if metadata.ImageURL != "https://example.com/icon.png" {
		t.Errorf("Expected image URL 'https://example.com/icon.png', got: %s", metadata.ImageURL)
	}

	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got: %d", len(items))
	}

	item1 := items[0]
	if item1.GUID != "item-1" {
		t.Errorf("Expected GUID 'item-1', got: %s", item1.GUID)
	}
	if len(item1.Categories) != 2 {
		t.Errorf("Expected 2 categories, got: %d", len(item1.Categories))
	}
	if len(item1.Authors) != 1 {
		t.Errorf("Expected 1 author, got: %v", item1.Authors)
	}
	if item1.PublishedAt.Hour() != 10 {
		t.Errorf("Expected publish hour 10 UTC, got: %v", item1.PublishedAt)
	}
	if item1.ContentHash == "" {
		t.Error("Expected content hash to be generated")
	}

	// items without a guid fall back to their link
	if items[1].GUID != "https://example.com/item2" {
		t.Errorf("Expected GUID from link, got: %s", items[1].GUID)
	}
}

func TestParseAtom(t *testing.T) {
	atomData := `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Test Atom Feed</title>
  <link href="https://example.com"/>
  <updated>2023-07-03T12:00:00Z</updated>
  <id>urn:uuid:1234567890</id>
  <entry>
    <title>Test Entry</title>
    <link href="https://example.com/entry1"/>
    <id>urn:uuid:entry-1</id>
    <updated>2023-07-03T10:00:00Z</updated>
    <author><name>Test Author</name></author>
    <content type="html">Test content</content>
  </entry>
</feed>`

	parser := NewParser()
	metadata, items, err := parser.Run([]byte(atomData))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if metadata.Title != "Test Atom Feed" {
		t.Errorf("Expected title 'Test Atom Feed', got: %s", metadata.Title)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got: %d", len(items))
	}

	item := items[0]
	if item.GUID != "urn:uuid:entry-1" {
		t.Errorf("Expected GUID 'urn:uuid:entry-1', got: %s", item.GUID)
	}
	if item.Content != "Test content" {
		t.Errorf("Expected content 'Test content', got: %s", item.Content)
	}
	if item.PublishedAt.IsZero() {
		t.Error("Expected updated date to be used as publish date")
	}
	if len(item.Authors) != 1 || item.Authors[0] != "Test Author" {
		t.Errorf("Expected author 'Test Author', got: %v", item.Authors)
	}
}

func TestParseInvalidFeed(t *testing.T) {
	parser := NewParser()
	_, _, err := parser.Run([]byte("invalid xml"))

	if err == nil {
		t.Error("Expected error for invalid XML")
	}
}

func TestContentHashGeneration(t *testing.T) {
	parser := NewParser()

	base := Item{Title: "Test Title", Link: "https://example.com/item1", Content: "body"}

	tests := []struct {
		name string
		item Item
		same bool
	}{
		{"identical", base, true},
		{"case differs", Item{Title: "TEST TITLE", Link: base.Link, Content: base.Content}, true},
		{"spacing differs", Item{Title: "  Test   Title ", Link: base.Link, Content: base.Content}, true},
		{"compatibility form", Item{Title: "Ｔｅｓｔ Title", Link: base.Link, Content: base.Content}, true},
		{"different title", Item{Title: "Different Title", Link: base.Link, Content: base.Content}, false},
		{"different content", Item{Title: base.Title, Link: base.Link, Content: "edited"}, false},
		{"different link", Item{Title: base.Title, Link: "https://example.com/item2", Content: base.Content}, false},
	}

	want := parser.generateContentHash(base)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parser.generateContentHash(tt.item)
			if (got == want) != tt.same {
				t.Errorf("hash equality = %v, want %v", got == want, tt.same)
			}
		})
	}
}

func TestFormatAuthor(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name, email, want string
	}{
		{"Jane", "jane@example.com", "jane@example.com (Jane)"},
		{"Jane", "", "Jane"},
		{"", "jane@example.com", "jane@example.com"},
		{" ", " ", ""},
	}

	for _, tt := range tests {
		if got := parser.formatAuthor(tt.name, tt.email); got != tt.want {
			t.Errorf("formatAuthor(%q, %q) = %q, want %q", tt.name, tt.email, got, tt.want)
		}
	}
}
