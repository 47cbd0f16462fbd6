package feed

import (
	"net/url"
	"strings"
	"testing"
)

func TestContentExtractor_ValidHTML(t *testing.T) {
	html := `<!DOCTYPE html>
<html>
<head><title>Test Article</title></head>
<body>
  <nav><a href="/">Home</a> <a href="/about">About</a></nav>
  <article>
    <h1>Understanding Worker Pools</h1>
    <p>A worker pool keeps a fixed number of processes busy with queued work. Each worker takes one
    task at a time, reports the outcome and waits for the next one.</p>
    <p>Supervision matters as much as dispatch: when a worker dies the pool has to notice, replace it
    and make sure the task it was running is not lost forever.</p>
    <p>Backoff spreads retries out over time so that a flaky upstream server is not hammered by the
    same failing request again and again, while still giving transient errors a fair chance to clear.</p>
    <p>Read the <a href="/guide">full guide</a> for the details of retry handling and backoff.</p>
  </article>
  <footer>Copyright 2024</footer>
</body>
</html>`

	pageURL, _ := url.Parse("https://example.com/posts/pools")
	content, err := NewContentExtractor().Run([]byte(html), pageURL)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.Contains(content, "worker pool keeps a fixed number") {
		t.Errorf("Expected article text in content, got: %s", content)
	}
	if strings.Contains(content, "Copyright 2024") {
		t.Error("Expected footer to be removed")
	}
	if !strings.Contains(content, "https://example.com/guide") {
		t.Error("Expected relative links to be resolved against the page URL")
	}
}

func TestContentExtractor_EmptyData(t *testing.T) {
	extractor := NewContentExtractor()

	for _, data := range [][]byte{nil, {}} {
		if _, err := extractor.Run(data, nil); err == nil {
			t.Error("Expected error for empty data")
		}
	}
}
