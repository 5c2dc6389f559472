package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/vaccines?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=5&offset=10", Params{Limit: 5, Offset: 10}},
		{"_count=7&_offset=14", Params{Limit: 7, Offset: 14}},
		{"limit=500", Params{Limit: MaxLimit, Offset: 0}},
		{"limit=-3&offset=-1", Params{Limit: DefaultLimit, Offset: 0}},
		{"limit=abc", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		if got := paramsFor(tt.query); got != tt.want {
			t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0})
	if !r.HasMore {
		t.Error("expected has_more on first page")
	}
	if r.Total != 5 || r.Limit != 2 || r.Offset != 0 {
		t.Errorf("unexpected response: %+v", r)
	}
	last := NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if last.HasMore {
		t.Error("expected no more results on last page")
	}
}
