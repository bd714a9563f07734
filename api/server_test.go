package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"election-ledger/audit"
	"election-ledger/encryption"
	"election-ledger/models"
	"election-ledger/service"
)

type testEnv struct {
	t      *testing.T
	server *Server
	cs     *encryption.CryptoService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, err := service.NewElectionService(service.Options{StorageDir: t.TempDir(), ArchiveKeep: 1})
	require.NoError(t, err)
	sq := service.NewSequencer(svc, 16, 0)
	sq.Start()
	t.Cleanup(sq.Stop)

	cs := encryption.NewCryptoService()
	return &testEnv{t: t, server: NewServer(svc, sq, cs), cs: cs}
}

func (e *testEnv) do(method, path string, body interface{}, key string) *httptest.ResponseRecorder {
	e.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(e.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		require.NoError(e.t, SignRequest(req, e.cs, key, time.Now()))
	}
	return e.send(req)
}

func (e *testEnv) send(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// signed builds a request whose headers carry a signature made for a
// possibly different method, path or body.
func (e *testEnv) signed(method, path string, body []byte, signedPath string, signedBody []byte, at time.Time, key string) *http.Request {
	e.t.Helper()
	sig, err := e.cs.Sign(SigningPayload(method, signedPath, at.Unix(), signedBody), key)
	require.NoError(e.t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set(TimestampHeader, strconv.FormatInt(at.Unix(), 10))
	req.Header.Set(CallerHeader, sig)
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func reasonOf(t *testing.T, w *httptest.ResponseRecorder) string {
	var body struct {
		Reason string `json:"reason"`
	}
	decode(t, w, &body)
	return body.Reason
}

func TestElectionOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	pub, prv, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	_, organizerKey, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	organizer, err := env.cs.AddressOf(organizerKey)
	require.NoError(t, err)
	_, voterKey, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/elections", CreateElectionRequest{
		Name: "test vote 1", OrganizerName: "Alice", PublicKey: pub,
		Options: []string{"apple", "banana", "watermelon"},
	}, organizerKey)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created service.Result
	decode(t, w, &created)
	require.Equal(t, uint64(1), created.ElectionID)
	base := "/api/elections/" + strconv.FormatUint(created.ElectionID, 10)

	w = env.do(http.MethodGet, "/api/elections/count", nil, "")
	assert.JSONEq(t, `{"count":1}`, w.Body.String())

	w = env.do(http.MethodGet, "/api/organizers/"+organizer.Hex()+"/elections", nil, "")
	assert.JSONEq(t, `[1]`, w.Body.String())

	for _, b := range []int{1, 2, 2} {
		ct, err := env.cs.Encrypt([]byte(strconv.Itoa(b)), pub)
		require.NoError(t, err)
		sig, err := env.cs.Sign([]byte(ct), voterKey)
		require.NoError(t, err)
		w = env.do(http.MethodPost, base+"/ballots", CastBallotRequest{EncryptedBallot: ct, Signature: sig}, voterKey)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, base+"/results", nil, "")
	assert.JSONEq(t, `[]`, w.Body.String())

	w = env.do(http.MethodPost, base+"/close", CloseElectionRequest{PrivateKey: prv, Tally: []uint64{1, 2, 0}}, voterKey)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Unauthorized", reasonOf(t, w))

	w = env.do(http.MethodPost, base+"/close", CloseElectionRequest{PrivateKey: prv, Tally: []uint64{1, 2}}, organizerKey)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "TallyLengthMismatch", reasonOf(t, w))

	w = env.do(http.MethodPost, base+"/close", CloseElectionRequest{PrivateKey: prv, Tally: []uint64{1, 2, 0}}, organizerKey)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var closed models.Election
	decode(t, w, &closed)
	assert.True(t, closed.Ended)
	assert.Equal(t, uint64(3), closed.TicketCount)

	w = env.do(http.MethodPost, base+"/ballots", CastBallotRequest{EncryptedBallot: "late"}, voterKey)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ElectionClosed", reasonOf(t, w))

	w = env.do(http.MethodGet, base+"/bundle?archived=true", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var bundle audit.Bundle
	decode(t, w, &bundle)
	report, err := audit.Audit(&bundle, env.cs, nil)
	require.NoError(t, err)
	assert.True(t, report.Matches)

	w = env.do(http.MethodGet, "/api/chain/validate", nil, "")
	assert.JSONEq(t, `{"valid":true}`, w.Body.String())

	w = env.do(http.MethodGet, "/api/chain", nil, "")
	var chain ChainResponse
	decode(t, w, &chain)
	assert.Equal(t, 5, chain.BlockCount)
	assert.True(t, chain.IsValid)
}

func TestSignedRoutesRequireSignature(t *testing.T) {
	env := newTestEnv(t)
	_, key, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	raw, _ := json.Marshal(CreateElectionRequest{Name: "x", Options: []string{"a"}})

	w := env.do(http.MethodPost, "/api/elections", CreateElectionRequest{Name: "x", Options: []string{"a"}}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/elections", bytes.NewReader(raw))
	req.Header.Set(TimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(CallerHeader, "0x1234")
	assert.Equal(t, http.StatusUnauthorized, env.send(req).Code)

	req = env.signed(http.MethodPost, "/api/elections", raw, "/api/elections", raw, time.Now(), key)
	req.Header.Del(TimestampHeader)
	assert.Equal(t, http.StatusUnauthorized, env.send(req).Code, "timestamp header is required")

	stale := time.Now().Add(-SignatureWindow - time.Minute)
	w = env.send(env.signed(http.MethodPost, "/api/elections", raw, "/api/elections", raw, stale, key))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	future := time.Now().Add(SignatureWindow + time.Minute)
	w = env.send(env.signed(http.MethodPost, "/api/elections", raw, "/api/elections", raw, future, key))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(http.MethodGet, "/api/elections/count", nil, "")
	assert.JSONEq(t, `{"count":0}`, w.Body.String())
}

func TestSignatureBindsBody(t *testing.T) {
	env := newTestEnv(t)
	_, key, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	addr, err := env.cs.AddressOf(key)
	require.NoError(t, err)

	signed, _ := json.Marshal(CreateElectionRequest{Name: "a", Options: []string{"x"}})
	sent, _ := json.Marshal(CreateElectionRequest{Name: "b", Options: []string{"x"}})
	rec := env.send(env.signed(http.MethodPost, "/api/elections", sent, "/api/elections", signed, time.Now(), key))
	require.Equal(t, http.StatusCreated, rec.Code)

	w := env.do(http.MethodGet, "/api/organizers/"+addr.Hex()+"/elections", nil, "")
	assert.JSONEq(t, `[]`, w.Body.String(), "a tampered body maps to a different caller")
}

func TestReplayedRequestIsRejected(t *testing.T) {
	env := newTestEnv(t)
	_, key, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	raw, _ := json.Marshal(CreateElectionRequest{Name: "once", Options: []string{"a", "b"}})

	now := time.Now()
	first := env.send(env.signed(http.MethodPost, "/api/elections", raw, "/api/elections", raw, now, key))
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	replay := env.send(env.signed(http.MethodPost, "/api/elections", raw, "/api/elections", raw, now, key))
	assert.Equal(t, http.StatusUnauthorized, replay.Code)

	w := env.do(http.MethodGet, "/api/elections/count", nil, "")
	assert.JSONEq(t, `{"count":1}`, w.Body.String())
}

func TestSignatureBindsPath(t *testing.T) {
	env := newTestEnv(t)
	pub, prv, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)
	_, organizerKey, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodPost, "/api/elections", CreateElectionRequest{
			Name: fmt.Sprintf("vote %d", i), PublicKey: pub, Options: []string{"yes", "no"},
		}, organizerKey)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	raw, _ := json.Marshal(CloseElectionRequest{PrivateKey: prv, Tally: []uint64{0, 0}})
	w := env.send(env.signed(http.MethodPost, "/api/elections/2/close", raw, "/api/elections/1/close", raw, time.Now(), organizerKey))
	assert.Equal(t, http.StatusForbidden, w.Code, "a signature for another path recovers another caller")
	assert.Equal(t, "Unauthorized", reasonOf(t, w))

	for _, id := range []string{"1", "2"} {
		w = env.do(http.MethodGet, "/api/elections/"+id, nil, "")
		var e models.Election
		decode(t, w, &e)
		assert.False(t, e.Ended, "election %s", id)
	}
}

func TestReplayCachePrunesExpired(t *testing.T) {
	rc := newReplayCache()
	now := time.Now()
	assert.True(t, rc.add("a", now.Add(time.Minute), now))
	assert.False(t, rc.add("a", now.Add(time.Minute), now))

	later := now.Add(2 * time.Minute)
	assert.True(t, rc.add("b", later.Add(time.Minute), later))
	assert.Len(t, rc.seen, 1)
}

func TestErrorsOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	_, key, err := env.cs.GenerateKeyPair()
	require.NoError(t, err)

	w := env.do(http.MethodPost, "/api/elections", CreateElectionRequest{Name: "empty"}, key)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "EmptyOptions", reasonOf(t, w))

	for _, path := range []string{"/api/elections/0", "/api/elections/1/options", "/api/elections/999/results", "/api/elections/abc/tickets"} {
		w = env.do(http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, "InvalidElectionId", reasonOf(t, w), path)
	}

	w = env.do(http.MethodGet, "/api/organizers/nope/elections", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(http.MethodGet, "/api/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var m service.MetricsResponse
	decode(t, w, &m)
	assert.Equal(t, 1, m.Rejections["EmptyOptions"])
	assert.Equal(t, 0, m.Operations[fmt.Sprint(models.TxCreateElection)].Count)
}
