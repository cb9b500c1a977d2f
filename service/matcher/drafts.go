package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/givewatch/service/chain"
	"github.com/brojonat/givewatch/service/db"
	"github.com/brojonat/givewatch/service/donation"
	"github.com/brojonat/givewatch/service/metrics"
	"github.com/brojonat/givewatch/service/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Clients resolves a network id to its chain adapter.
type Clients interface {
	Client(networkID int) (chain.Client, error)
}

// DraftStore is the ledger surface the draft matcher reads and memoizes into.
type DraftStore interface {
	FindPendingDrafts(ctx context.Context, olderThan time.Duration) ([]*db.DraftDonation, error)
	SetDraftExpectedCallData(ctx context.Context, id int64, callData string) error
}

// DonationCreator is the shared creation routine.
type DonationCreator interface {
	CreateDonation(ctx context.Context, in donation.Input) (*donation.Result, error)
}

type DraftConfig struct {
	GracePeriod time.Duration // drafts younger than this are left alone
	PageSize    int
	Pool        Pool
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// DraftMatcher binds pending one-shot drafts to transfers found in each
// sender's recent history.
type DraftMatcher struct {
	store    DraftStore
	clients  Clients
	creator  DonationCreator
	grace    time.Duration
	pageSize int
	pool     Pool
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewDraftMatcher(store DraftStore, clients Clients, creator DonationCreator, cfg DraftConfig) *DraftMatcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.Pool == nil {
		cfg.Pool = SequentialPool{}
	}
	return &DraftMatcher{
		store:    store,
		clients:  clients,
		creator:  creator,
		grace:    cfg.GracePeriod,
		pageSize: cfg.PageSize,
		pool:     cfg.Pool,
		metrics:  cfg.Metrics,
		logger:   defaultLogger(cfg.Logger).With("component", "draft_matcher"),
		tracer:   telemetry.Tracer("matcher"),
	}
}

// SenderResult counts what MatchSender did for one sender.
type SenderResult struct {
	PagesFetched int64
	Matches      int64
	Duplicates   int64
}

// MatchPendingDrafts runs one draft-match pass. Errors for one sender are
// logged and counted and never stop the others; only failing to load the
// drafts fails the pass.
func (m *DraftMatcher) MatchPendingDrafts(ctx context.Context) (*PassSummary, error) {
	ctx, span := m.tracer.Start(ctx, "matcher.MatchPendingDrafts")
	defer span.End()

	drafts, err := m.store.FindPendingDrafts(ctx, m.grace)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load drafts")
		return nil, fmt.Errorf("find pending drafts: %w", err)
	}

	senders, bySender := groupBySender(drafts)
	span.SetAttributes(attribute.Int("drafts", len(drafts)), attribute.Int("senders", len(senders)))

	var t tally
	tasks := make([]func(context.Context), 0, len(senders))
	for _, sender := range senders {
		sender, group := sender, bySender[sender]
		tasks = append(tasks, func(ctx context.Context) {
			res, err := m.MatchSender(ctx, sender, group)
			t.senders.Add(1)
			if res != nil {
				t.pages.Add(res.PagesFetched)
				t.matches.Add(res.Matches)
				t.duplicates.Add(res.Duplicates)
			}
			status := "success"
			if err != nil {
				status = "error"
				t.errors.Add(1)
				m.logger.WarnContext(ctx, "failed to match sender", "sender", sender, "drafts", len(group), "error", err)
			}
			if m.metrics != nil {
				m.metrics.RecordSenderScanned(PassDraftMatch, status)
			}
		})
	}
	m.pool.Run(ctx, tasks)

	return t.summary(PassDraftMatch), nil
}

func groupBySender(drafts []*db.DraftDonation) ([]string, map[string][]*db.DraftDonation) {
	var order []string
	groups := make(map[string][]*db.DraftDonation)
	for _, d := range drafts {
		key := chain.AddressKey(d.FromAddress)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}
	return order, groups
}

// MatchSender scans sender's history on every network their drafts name and
// creates a donation for each draft it can bind. A fetch error aborts the
// sender; drafts it did not reach stay pending. The result is never nil.
func (m *DraftMatcher) MatchSender(ctx context.Context, sender string, drafts []*db.DraftDonation) (*SenderResult, error) {
	ctx, span := m.tracer.Start(ctx, "matcher.MatchSender", trace.WithAttributes(
		attribute.String("sender", sender),
		attribute.Int("drafts", len(drafts)),
	))
	defer span.End()

	res := &SenderResult{}
	byNetwork := make(map[int][]*db.DraftDonation)
	var networks []int
	for _, d := range drafts {
		if _, ok := byNetwork[d.NetworkID]; !ok {
			networks = append(networks, d.NetworkID)
		}
		byNetwork[d.NetworkID] = append(byNetwork[d.NetworkID], d)
	}

	for _, networkID := range networks {
		client, err := m.clients.Client(networkID)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping drafts on unconfigured network", "network_id", networkID, "sender", sender)
			continue
		}
		scan := m.newScan(ctx, client, sender, byNetwork[networkID], res)
		if err := scan.run(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return res, fmt.Errorf("network %d: %w", networkID, err)
		}
	}

	span.SetAttributes(attribute.Int64("matches", res.Matches), attribute.Int64("pages", res.PagesFetched))
	return res, nil
}

// scan is the matching state for one sender on one network.
type scan struct {
	m       *DraftMatcher
	client  chain.Client
	network chain.Network
	sender  string
	res     *SenderResult

	nativeByTo      map[string][]*db.DraftDonation
	tokenByContract map[string][]*db.DraftDonation
	minTimestamp    time.Time
	remaining       int

	matched map[int64]bool
	usedTx  map[string]bool
}

func (m *DraftMatcher) newScan(ctx context.Context, client chain.Client, sender string, drafts []*db.DraftDonation, res *SenderResult) *scan {
	s := &scan{
		m:               m,
		client:          client,
		network:         client.Network(),
		sender:          sender,
		res:             res,
		nativeByTo:      make(map[string][]*db.DraftDonation),
		tokenByContract: make(map[string][]*db.DraftDonation),
		matched:         make(map[int64]bool),
		usedTx:          make(map[string]bool),
	}

	encoder, _ := client.(chain.CallEncoder)
	for _, d := range drafts {
		if s.minTimestamp.IsZero() || d.CreatedAt.Before(s.minTimestamp) {
			s.minTimestamp = d.CreatedAt
		}
		if !d.IsToken() {
			key := chain.AddressKey(d.ToAddress)
			s.nativeByTo[key] = append(s.nativeByTo[key], d)
			s.remaining++
			continue
		}
		token, ok := s.network.TokenByAddress(d.TokenAddress)
		if !ok {
			m.logger.WarnContext(ctx, "draft names an unconfigured token", "draft_id", d.ID, "token", d.TokenAddress)
			continue
		}
		if encoder != nil && d.ExpectedCallData == nil {
			m.memoizeCallData(ctx, encoder, d, token)
		}
		key := chain.AddressKey(d.TokenAddress)
		s.tokenByContract[key] = append(s.tokenByContract[key], d)
		s.remaining++
	}
	return s
}

// memoizeCallData computes the transfer call a token draft expects to see in
// the sender's history and persists it. Failures only cost the fast path;
// the token-transfer scan still covers the draft.
func (m *DraftMatcher) memoizeCallData(ctx context.Context, enc chain.CallEncoder, d *db.DraftDonation, token chain.Token) {
	data, err := enc.TransferCallData(d.ToAddress, d.Amount, token)
	if err != nil {
		m.logger.WarnContext(ctx, "failed to encode expected call", "draft_id", d.ID, "error", err)
		return
	}
	if err := m.store.SetDraftExpectedCallData(ctx, d.ID, data); err != nil {
		m.logger.WarnContext(ctx, "failed to store expected call", "draft_id", d.ID, "error", err)
	}
	d.ExpectedCallData = &data
}

func (s *scan) run(ctx context.Context) error {
	if s.remaining == 0 {
		return nil
	}
	if err := s.scanList(ctx, func(req chain.PageRequest) (*chain.Page, error) {
		return s.client.History(ctx, s.sender, req)
	}); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	// Transfers routed through other contracts never show the direct call,
	// so unmatched token drafts get a pass over the token-transfer list.
	for key, drafts := range s.tokenByContract {
		if s.remaining == 0 {
			break
		}
		if s.allMatched(drafts) {
			continue
		}
		token, ok := s.network.TokenByAddress(key)
		if !ok {
			continue
		}
		err := s.scanList(ctx, func(req chain.PageRequest) (*chain.Page, error) {
			return s.client.TokenTransfers(ctx, s.sender, &token, req)
		})
		if errors.Is(err, chain.ErrUnsupported) {
			continue
		}
		if err != nil {
			return fmt.Errorf("token transfers %s: %w", token.Symbol, err)
		}
	}
	return nil
}

// scanList pages through one listing newest first until every draft is
// matched, the listing predates the oldest draft, or it runs out.
func (s *scan) scanList(ctx context.Context, fetch func(chain.PageRequest) (*chain.Page, error)) error {
	cursor := ""
	for {
		page, err := fetch(chain.PageRequest{Cursor: cursor, Size: s.m.pageSize})
		if err != nil {
			return err
		}
		s.res.PagesFetched++

		for i := range page.Transactions {
			tx := &page.Transactions[i]
			if !tx.Timestamp.IsZero() && tx.Timestamp.Before(s.minTimestamp) {
				return nil
			}
			if err := s.consider(ctx, tx); err != nil {
				return err
			}
			if s.remaining == 0 {
				return nil
			}
		}

		// Adapters may filter a page down to nothing and still have more.
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (s *scan) consider(ctx context.Context, tx *chain.Transaction) error {
	if tx.Failed || !chain.SameAddress(tx.From, s.sender) {
		return nil
	}
	hashKey := chain.AddressKey(tx.Hash)
	if s.usedTx[hashKey] {
		return nil
	}

	d := s.candidate(tx)
	if d == nil {
		return nil
	}
	if err := s.create(ctx, d, tx); err != nil {
		return err
	}
	s.usedTx[hashKey] = true
	return nil
}

// candidate returns the first unmatched draft tx satisfies, oldest first.
func (s *scan) candidate(tx *chain.Transaction) *db.DraftDonation {
	if tx.TokenAddress != "" {
		// Already decoded: a token transfer of Amount to To.
		for _, d := range s.tokenByContract[chain.AddressKey(tx.TokenAddress)] {
			if !s.matched[d.ID] && chain.SameAddress(tx.To, d.ToAddress) && tx.Amount.Equal(d.Amount) {
				return d
			}
		}
		return nil
	}

	key := chain.AddressKey(tx.To)
	for _, d := range s.nativeByTo[key] {
		if !s.matched[d.ID] && tx.Amount.Equal(d.Amount) {
			return d
		}
	}
	if tx.Input == "" {
		return nil
	}
	for _, d := range s.tokenByContract[key] {
		if !s.matched[d.ID] && d.ExpectedCallData != nil && strings.EqualFold(tx.Input, *d.ExpectedCallData) {
			return d
		}
	}
	return nil
}

func (s *scan) create(ctx context.Context, d *db.DraftDonation, tx *chain.Transaction) error {
	draftID := d.ID
	result, err := s.m.creator.CreateDonation(ctx, donation.Input{
		NetworkID: d.NetworkID,
		Transaction: chain.Transaction{
			Hash:         tx.Hash,
			From:         tx.From,
			To:           d.ToAddress,
			Amount:       d.Amount,
			Currency:     d.Currency,
			TokenAddress: d.TokenAddress,
			Nonce:        tx.Nonce,
			Timestamp:    tx.Timestamp,
		},
		ProjectID: d.ProjectID,
		UserID:    d.UserID,
		Anonymous: d.Anonymous,
		DraftID:   &draftID,
	})
	if err != nil {
		return fmt.Errorf("create donation for draft %d: %w", d.ID, err)
	}

	s.matched[d.ID] = true
	s.remaining--

	outcome := "created"
	if result.Duplicate {
		outcome = "duplicate"
		s.res.Duplicates++
	} else {
		s.res.Matches++
	}
	if s.m.metrics != nil {
		s.m.metrics.RecordMatch(PassDraftMatch, outcome)
	}
	s.m.logger.InfoContext(ctx, "draft matched",
		"draft_id", d.ID,
		"network_id", d.NetworkID,
		"tx_hash", tx.Hash,
		"amount", d.Amount.String(),
		"currency", d.Currency,
		"outcome", outcome,
	)
	return nil
}

func (s *scan) allMatched(drafts []*db.DraftDonation) bool {
	for _, d := range drafts {
		if !s.matched[d.ID] {
			return false
		}
	}
	return true
}
