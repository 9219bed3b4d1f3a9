package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rustmailer/bichon/internal/searchindex"
)

func TestHandleAllTagsReturnsIndexedTags(t *testing.T) {
	env := newMessagesTestEnv(t)
	env.envIdx.IndexEnvelope(1, 10, 1, []string{"work/invoices"}, testEnvelopeRecord("tagged"))
	env.flush(t)

	r := env.authedRequest(http.MethodGet, "/all-tags", "")
	rec := httptest.NewRecorder()
	env.server.withAuth(env.server.handleAllTags)(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var tags []searchindex.TagCount
	if err := json.Unmarshal(rec.Body.Bytes(), &tags); err != nil {
		t.Fatal(err)
	}
	if len(tags) == 0 {
		t.Error("expected at least one tag path to be reported")
	}
}

func TestHandleUpdateTagsAppliesToExistingEnvelope(t *testing.T) {
	env := newMessagesTestEnv(t)
	id := env.envIdx.IndexEnvelope(1, 10, 1, nil, testEnvelopeRecord("retag-me"))
	env.flush(t)

	body := `{"ids_by_account":{"1":[` + jsonUint(id) + `]},"tags":["personal"]}`
	r := env.authedRequest(http.MethodPost, "/update-tags", body)
	rec := httptest.NewRecorder()
	env.server.withAuth(env.server.handleUpdateTags)(rec, r)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleUpdateTagsRequiresAuth(t *testing.T) {
	env := newMessagesTestEnv(t)
	r := httptest.NewRequest(http.MethodPost, "/update-tags", nil)
	rec := httptest.NewRecorder()
	env.server.withAuth(env.server.handleUpdateTags)(rec, r)
	if rec.Code == http.StatusNoContent {
		t.Error("expected the request to be rejected without a bearer token")
	}
}
