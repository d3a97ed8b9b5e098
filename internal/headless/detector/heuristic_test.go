package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := archive.FetchResponse{StatusCode: 200, ContentType: "text/html", Body: []byte("")}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := archive.FetchResponse{StatusCode: 200, ContentType: "text/html; charset=utf-8", Body: []byte(`<div id="__next"></div>`)}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	resp := archive.FetchResponse{StatusCode: 200, Body: []byte(`<html><script>var a=1;</script><p>t</p></html>`)}
	require.True(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_PlainArticle(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	resp := archive.FetchResponse{StatusCode: 200, ContentType: "text/html", Body: []byte(`<html><body><p>an ordinary archived article</p></body></html>`)}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_SkipsNonHTML(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := archive.FetchResponse{StatusCode: 200, ContentType: "application/pdf", Body: nil}
	require.False(t, h.ShouldPromote(resp))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	resp := archive.FetchResponse{StatusCode: 404, Body: []byte("not found")}
	require.False(t, h.ShouldPromote(resp))
}
