package mcp

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/roasbeef/revbroker/internal/build"
	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/review"
)

// defaultWaitTimeout bounds wait=true long-polls when the caller does not
// configure one.
const defaultWaitTimeout = 25 * time.Second

// Server wraps the MCP server with review broker dependencies.
type Server struct {
	server    *mcp.Server
	svc       *review.Service
	bus       *notify.Bus
	brokerRef review.BrokerActorRef // Optional actor ref for broker operations.

	waitTimeout time.Duration
}

// Config holds configuration for the MCP server.
type Config struct {
	// Service is the broker service every tool dispatches to.
	Service *review.Service

	// Bus is the notification bus long-poll tools wait on.
	Bus *notify.Bus

	// BrokerRef is an optional actor reference for broker operations.
	// If set, operations are routed through the actor system.
	BrokerRef review.BrokerActorRef

	// WaitTimeout bounds wait=true long-polls. Defaults to 25s.
	WaitTimeout time.Duration
}

// NewServer creates a new MCP server with all broker tools registered.
func NewServer(svc *review.Service, bus *notify.Bus) *Server {
	return NewServerWithConfig(Config{Service: svc, Bus: bus})
}

// NewServerWithConfig creates a new MCP server with the given configuration.
func NewServerWithConfig(cfg Config) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "revbroker",
		Version: build.Version(),
	}, nil)

	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}

	s := &Server{
		server:      mcpServer,
		svc:         cfg.Service,
		bus:         cfg.Bus,
		brokerRef:   cfg.BrokerRef,
		waitTimeout: waitTimeout,
	}

	// Register all broker tools.
	s.registerTools()

	return s
}

// Run starts the MCP server on the given transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// registerTools registers all review broker tools.
func (s *Server) registerTools() {
	// Review lifecycle tools.
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "create_review",
		Description: "Submit a proposal for review, or revise an " +
			"existing review that is awaiting changes",
	}, s.handleCreateReview)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_reviews",
		Description: "List reviews, optionally long-polling for pending work",
	}, s.handleListReviews)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "claim_review",
		Description: "Claim a pending review for a reviewer",
	}, s.handleClaimReview)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "submit_verdict",
		Description: "Record a reviewer's verdict on a claimed review",
	}, s.handleSubmitVerdict)

	// Counter-patch tools.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "accept_counter_patch",
		Description: "Accept a reviewer's counter-patch as the new proposal diff",
	}, s.handleAcceptCounterPatch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "reject_counter_patch",
		Description: "Reject a reviewer's counter-patch, keeping the original diff",
	}, s.handleRejectCounterPatch)

	// Discussion tools.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "add_message",
		Description: "Append a message to a review's discussion thread",
	}, s.handleAddMessage)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_discussion",
		Description: "Fetch a review's discussion thread",
	}, s.handleGetDiscussion)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "close_review",
		Description: "Close a review after a terminal verdict",
	}, s.handleCloseReview)

	// Query tools.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_review_status",
		Description: "Fetch a single review snapshot, optionally waiting for a change",
	}, s.handleGetReviewStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_proposal",
		Description: "Fetch the full proposal including the raw diff",
	}, s.handleGetProposal)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_activity_feed",
		Description: "List reviews by most recent activity with message digests",
	}, s.handleGetActivityFeed)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_review_timeline",
		Description: "Fetch the audit timeline for one review",
	}, s.handleGetReviewTimeline)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_audit_log",
		Description: "Fetch the audit log, globally or for one review",
	}, s.handleGetAuditLog)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_review_stats",
		Description: "Fetch aggregate review statistics",
	}, s.handleGetReviewStats)

	// Reviewer pool tools.
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "spawn_reviewer",
		Description: "Spawn one reviewer worker subprocess",
	}, s.handleSpawnReviewer)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "kill_reviewer",
		Description: "Drain a reviewer worker, terminating it once its reviews settle",
	}, s.handleKillReviewer)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_reviewers",
		Description: "List all reviewer workers",
	}, s.handleListReviewers)
}
