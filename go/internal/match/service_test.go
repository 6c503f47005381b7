package match

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/models"
)

type rpcFixture struct {
	*harness
	server *httptest.Server
	auth   *auth.Authenticator
}

func newRPCFixture(t *testing.T) *rpcFixture {
	h := newHarness(t)
	a := auth.NewAuthenticator([]byte("test-secret"), h.clock)

	mux := http.NewServeMux()
	path, handler := NewService(h.c).Handler(connect.WithInterceptors(auth.NewInterceptor(a)))
	mux.Handle(path, handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &rpcFixture{harness: h, server: server, auth: a}
}

func (f *rpcFixture) token(user uuid.UUID, admin bool) string {
	token, err := f.auth.Issue(user, admin, time.Hour)
	require.NoError(f.t, err)
	return token
}

func call[Req, Res any](f *rpcFixture, method, token string, msg *Req) (*Res, error) {
	client := connect.NewClient[Req, Res](f.server.Client(), f.server.URL+Procedure(method), connect.WithCodec(JSONCodec{}))
	req := connect.NewRequest(msg)
	if token != "" {
		req.Header().Set("Authorization", "Bearer "+token)
	}
	res, err := client.CallUnary(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

func TestService_StakedFlowOverRPC(t *testing.T) {
	f := newRPCFixture(t)
	admin := f.token(uuid.New(), true)
	white, black := f.token(f.white, false), f.token(f.black, false)

	for _, user := range []uuid.UUID{f.white, f.black} {
		_, err := call[FundRequest, models.WalletAccount](f, "Fund", admin, &FundRequest{UserID: user, Currency: "USD", Amount: dec("100")})
		require.NoError(t, err)
	}

	view, err := call[CreateSessionRequest, events.SessionView](f, "CreateSession", white, &CreateSessionRequest{})
	require.NoError(t, err)
	id := view.Session.ID

	steps := []struct {
		method string
		token  string
		req    any
	}{
		{"JoinSession", black, &SessionRequest{SessionID: id}},
		{"SetWager", white, &SetWagerRequest{SessionID: id, Type: models.WagerTypeStaked, Amount: dec("100")}},
		{"AcceptTerms", black, &SessionRequest{SessionID: id}},
		{"Deposit", white, &SessionRequest{SessionID: id}},
		{"Deposit", black, &SessionRequest{SessionID: id}},
	}
	for _, step := range steps {
		switch req := step.req.(type) {
		case *SessionRequest:
			view, err = call[SessionRequest, events.SessionView](f, step.method, step.token, req)
		case *SetWagerRequest:
			view, err = call[SetWagerRequest, events.SessionView](f, step.method, step.token, req)
		}
		require.NoError(t, err, step.method)
	}
	assert.Equal(t, models.SessionStatusActive, view.Session.Status)

	moves, err := call[SessionRequest, LegalMovesResponse](f, "LegalMoves", black, &SessionRequest{SessionID: id})
	require.NoError(t, err)
	assert.NotEmpty(t, moves.Moves)

	_, err = call[MoveRequest, events.SessionView](f, "SubmitMove", black, &MoveRequest{SessionID: id, Move: "e7e5"})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	view, err = call[SessionRequest, events.SessionView](f, "Resign", black, &SessionRequest{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, models.ResultWhiteWins, *view.Session.Result)

	wallet, err := call[GetWalletRequest, WalletView](f, "GetWallet", white, &GetWalletRequest{Currency: "USD"})
	require.NoError(t, err)
	assert.True(t, wallet.Account.Available.Equal(dec("180")))
	assert.True(t, wallet.Audit.Consistent)
}

func TestService_ErrorCodes(t *testing.T) {
	f := newRPCFixture(t)
	white, black := f.token(f.white, false), f.token(f.black, false)
	stranger := f.token(uuid.New(), false)

	_, err := call[CreateSessionRequest, events.SessionView](f, "CreateSession", "", &CreateSessionRequest{})
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))

	_, err = call[FundRequest, models.WalletAccount](f, "Fund", white, &FundRequest{UserID: f.white, Currency: "USD", Amount: dec("1")})
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	_, err = call[AbandonRequest, events.SessionView](f, "ReportAbandonment", white, &AbandonRequest{SessionID: uuid.New(), AbsentSide: models.SideBlack})
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	opponent := f.black
	view, err := call[CreateSessionRequest, events.SessionView](f, "CreateSession", white, &CreateSessionRequest{Opponent: &opponent})
	require.NoError(t, err)
	id := view.Session.ID

	_, err = call[SetWagerRequest, events.SessionView](f, "SetWager", stranger, &SetWagerRequest{SessionID: id, Type: models.WagerTypeNone})
	assert.Equal(t, connect.CodePermissionDenied, connect.CodeOf(err))

	_, err = call[SessionRequest, events.SessionView](f, "AcceptTerms", black, &SessionRequest{SessionID: id})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))

	_, err = call[SessionRequest, events.SessionView](f, "Cancel", white, &SessionRequest{SessionID: id, ExpectedVersion: view.Session.Version + 5})
	assert.Equal(t, connect.CodeAborted, connect.CodeOf(err))

	_, err = call[SessionRequest, events.SessionView](f, "GetSnapshot", stranger, &SessionRequest{SessionID: uuid.New()})
	assert.Equal(t, connect.CodeNotFound, connect.CodeOf(err))

	_, err = call[SetWagerRequest, events.SessionView](f, "SetWager", white, &SetWagerRequest{SessionID: id, Type: models.WagerTypeStaked, Amount: dec("-1")})
	assert.Equal(t, connect.CodeInvalidArgument, connect.CodeOf(err))

	_, err = call[SetWagerRequest, events.SessionView](f, "SetWager", white, &SetWagerRequest{SessionID: id, Type: models.WagerTypeStaked, Amount: dec("10")})
	require.NoError(t, err)
	_, err = call[SessionRequest, events.SessionView](f, "AcceptTerms", black, &SessionRequest{SessionID: id})
	require.NoError(t, err)
	_, err = call[SessionRequest, events.SessionView](f, "Deposit", black, &SessionRequest{SessionID: id})
	assert.Equal(t, connect.CodeFailedPrecondition, connect.CodeOf(err))
}
