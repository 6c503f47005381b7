package match

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mcdev12/stakechess/go/internal/auth"
	"github.com/mcdev12/stakechess/go/internal/match/events"
	"github.com/mcdev12/stakechess/go/internal/models"
)

const ServiceName = "match.v1.MatchService"

// Procedure returns the RPC path of method.
func Procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

// JSONCodec replaces connect's protobuf JSON codec so plain structs can travel
// as application/json.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

type LegalMovesResponse struct {
	Moves []string `json:"moves"`
}

type GetWalletRequest struct {
	Currency string `json:"currency"`
}

// Service implements the MatchService RPC surface over a Coordinator.
type Service struct {
	coord *Coordinator
}

func NewService(coord *Coordinator) *Service {
	return &Service{coord: coord}
}

// Handler returns the path prefix and handler for every MatchService method.
func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
	mux := http.NewServeMux()

	unary(mux, "CreateSession", s.CreateSession, opts)
	unary(mux, "JoinSession", s.JoinSession, opts)
	unary(mux, "SetWager", s.SetWager, opts)
	unary(mux, "AcceptTerms", s.AcceptTerms, opts)
	unary(mux, "Deposit", s.Deposit, opts)
	unary(mux, "SubmitMove", s.SubmitMove, opts)
	unary(mux, "OfferDraw", s.OfferDraw, opts)
	unary(mux, "DeclineDraw", s.DeclineDraw, opts)
	unary(mux, "Resign", s.Resign, opts)
	unary(mux, "Cancel", s.Cancel, opts)
	unary(mux, "GetSnapshot", s.GetSnapshot, opts)
	unary(mux, "LegalMoves", s.LegalMoves, opts)
	unary(mux, "GetWallet", s.GetWallet, opts)
	unary(mux, "Fund", s.Fund, opts)
	unary(mux, "Withdraw", s.Withdraw, opts)
	unary(mux, "ReportAbandonment", s.ReportAbandonment, opts)

	return "/" + ServiceName + "/", mux
}

func unary[Req, Res any](mux *http.ServeMux, method string, fn func(context.Context, *Req) (*Res, error), opts []connect.HandlerOption) {
	procedure := Procedure(method)
	mux.Handle(procedure, connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	))
}

// toConnectError maps coordinator errors onto connect codes.
func toConnectError(err error) error {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return connect.NewError(connect.CodeUnauthenticated, err)
	case errors.Is(err, auth.ErrNotAdmin), errors.Is(err, ErrNotAParticipant):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, ErrStaleVersion):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInsufficientFunds):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, ErrIllegalMove), errors.Is(err, ErrInvalidArgument):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, ErrAlreadySettled):
		return connect.NewError(connect.CodeAlreadyExists, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// asCaller runs fn with the authenticated user from ctx.
func asCaller[Req, Res any](ctx context.Context, req *Req, fn func(context.Context, uuid.UUID, Req) (*Res, error)) (*Res, error) {
	user, err := auth.Caller(ctx)
	if err != nil {
		return nil, err
	}
	return fn(ctx, user, *req)
}

func (s *Service) CreateSession(ctx context.Context, req *CreateSessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.CreateSession)
}

func (s *Service) JoinSession(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.JoinSession)
}

func (s *Service) SetWager(ctx context.Context, req *SetWagerRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.SetWager)
}

func (s *Service) AcceptTerms(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.AcceptTerms)
}

func (s *Service) Deposit(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.Deposit)
}

func (s *Service) SubmitMove(ctx context.Context, req *MoveRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.SubmitMove)
}

func (s *Service) OfferDraw(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.OfferDraw)
}

func (s *Service) DeclineDraw(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.DeclineDraw)
}

func (s *Service) Resign(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.Resign)
}

func (s *Service) Cancel(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, s.coord.Cancel)
}

func (s *Service) GetSnapshot(ctx context.Context, req *SessionRequest) (*events.SessionView, error) {
	return asCaller(ctx, req, func(ctx context.Context, user uuid.UUID, req SessionRequest) (*events.SessionView, error) {
		return s.coord.GetSnapshot(ctx, user, req.SessionID)
	})
}

func (s *Service) LegalMoves(ctx context.Context, req *SessionRequest) (*LegalMovesResponse, error) {
	if _, err := auth.Caller(ctx); err != nil {
		return nil, err
	}
	moves, err := s.coord.LegalMoves(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	return &LegalMovesResponse{Moves: moves}, nil
}

func (s *Service) GetWallet(ctx context.Context, req *GetWalletRequest) (*WalletView, error) {
	return asCaller(ctx, req, func(ctx context.Context, user uuid.UUID, req GetWalletRequest) (*WalletView, error) {
		return s.coord.GetWallet(ctx, user, req.Currency)
	})
}

func (s *Service) Fund(ctx context.Context, req *FundRequest) (*models.WalletAccount, error) {
	if err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.coord.Fund(ctx, *req)
}

func (s *Service) Withdraw(ctx context.Context, req *FundRequest) (*models.WalletAccount, error) {
	if err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.coord.Withdraw(ctx, *req)
}

func (s *Service) ReportAbandonment(ctx context.Context, req *AbandonRequest) (*events.SessionView, error) {
	if err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.coord.ReportAbandonment(ctx, *req)
}
