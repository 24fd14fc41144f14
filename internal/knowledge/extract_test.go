package knowledge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestDetectContentType(t *testing.T) {
	cases := []struct {
		name, declared string
		data           []byte
		want           string
	}{
		{"faq.md", "", []byte("# FAQ"), ContentTypeMarkdown},
		{"page", "text/html; charset=utf-8", []byte("<p>x</p>"), ContentTypeHTML},
		{"upload.bin", "application/octet-stream", []byte("%PDF-1.7 ..."), ContentTypePDF},
		{"notes", "", []byte("plain words"), ContentTypePlain},
		{"blob", "", []byte{0xff, 0xfe, 0x00}, "application/octet-stream"},
	}
	for _, tc := range cases {
		if got := DetectContentType(tc.name, tc.declared, tc.data); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestExtractText_HTMLDropsMarkupAndScripts(t *testing.T) {
	page := `<html><head><style>p{color:red}</style><script>alert(1)</script></head>
<body><h1>Refunds</h1><p>Refunds take   five days.</p><p>Contact <b>support</b>.</p></body></html>`

	got, err := ExtractText(ContentTypeHTML, []byte(page))
	if err != nil {
		t.Fatalf("ExtractText failed: %v", err)
	}
	for _, banned := range []string{"<", "alert", "color:red"} {
		if strings.Contains(got, banned) {
			t.Errorf("extracted text still contains %q: %q", banned, got)
		}
	}
	for _, want := range []string{"Refunds\n", "Refunds take five days.", "Contact support ."} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in %q", want, got)
		}
	}
}

func TestExtractText_Unsupported(t *testing.T) {
	if _, err := ExtractText("image/png", []byte{1, 2}); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent, got %v", err)
	}
	if _, err := ExtractText(ContentTypePlain, []byte{0xff}); !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("expected ErrUnsupportedContent for invalid UTF-8, got %v", err)
	}
}

type fakeLister struct{ ids []uuid.UUID }

func (f fakeLister) ListIDs(context.Context) ([]uuid.UUID, error) { return f.ids, nil }

type fakeReembedder struct {
	fail map[uuid.UUID]bool
}

func (f fakeReembedder) ReembedMissing(_ context.Context, agentID uuid.UUID) (*ReembedResult, error) {
	if f.fail[agentID] {
		return nil, errors.New("boom")
	}
	return &ReembedResult{Attempted: 2, Embedded: 1, Failed: 1}, nil
}

func TestScheduler_RunNowSkipsFailingAgents(t *testing.T) {
	bad := uuid.New()
	s := NewScheduler(fakeLister{ids: []uuid.UUID{uuid.New(), bad, uuid.New()}}, fakeReembedder{fail: map[uuid.UUID]bool{bad: true}}, 0)

	res, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if res.Agents != 3 || res.Errors != 1 || res.Attempted != 4 || res.Embedded != 2 {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	if last, stored := s.GetLastResult(); last.IsZero() || stored != res {
		t.Fatal("expected last result to be recorded")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(fakeLister{}, fakeReembedder{}, 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler should be stopped")
	}
}
