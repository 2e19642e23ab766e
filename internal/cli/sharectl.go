// Package cli implements sharectl, the command line client for a remote
// sharing engine.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/hive-corporation/intelcommons/internal/adapter/handler"
	"github.com/hive-corporation/intelcommons/internal/core/domain"
)

// ErrThreatsFound is returned by check when at least one entry is a known
// shared indicator.
var ErrThreatsFound = errors.New("shared indicators found")

// Client is the subset of the engine API sharectl drives.
type Client interface {
	ShareIndicator(ctx context.Context, req domain.ShareRequest) (*domain.ShareResult, error)
	GetThreatFeed(ctx context.Context, filter domain.FeedFilter) ([]domain.SharedIndicator, error)
	QueryIOC(ctx context.Context, value string, iocType domain.IOCType) (*domain.SharedIndicator, error)
	GetNetworkStats(ctx context.Context) (*domain.NetworkStats, error)
}

// Dialer opens a client for server acting as orgID.
type Dialer func(server, orgID string) (Client, io.Closer, error)

// DialGRPC connects to the gRPC listener without transport security.
func DialGRPC(server, orgID string) (Client, io.Closer, error) {
	conn, err := grpc.NewClient(server, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to connect to %s", server)
	}
	return handler.NewGrpcClient(conn, orgID), conn, nil
}

type globalFlags struct {
	server  string
	org     string
	timeout time.Duration
}

type session struct {
	flags  globalFlags
	dial   Dialer
	client Client
	closer io.Closer
}

func (s *session) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.flags.timeout)
}

// NewRootCommand builds the sharectl command tree.
func NewRootCommand(dial Dialer) *cobra.Command {
	s := &session{dial: dial}

	root := &cobra.Command{
		Use:           "sharectl",
		Short:         "Share and look up threat indicators on an IntelCommons network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if s.flags.org == "" {
				return errors.New("--org is required")
			}
			c, closer, err := s.dial(s.flags.server, s.flags.org)
			if err != nil {
				return err
			}
			s.client, s.closer = c, closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if s.closer != nil {
				s.closer.Close()
			}
		},
	}

	fl := root.PersistentFlags()
	fl.StringVar(&s.flags.server, "server", envOr("INTELCOMMONS_SERVER", "localhost:50051"), "Sharing engine gRPC address")
	fl.StringVar(&s.flags.org, "org", os.Getenv("INTELCOMMONS_ORG"), "Organization identifier")
	fl.DurationVar(&s.flags.timeout, "timeout", 30*time.Second, "Per command deadline")

	root.AddCommand(
		shareCommand(s),
		queryCommand(s),
		feedCommand(s),
		statsCommand(s),
		checkCommand(s),
	)
	return root
}

func shareCommand(s *session) *cobra.Command {
	var req domain.ShareRequest
	var iocType, category, severity, patternID, patternExpr string

	cmd := &cobra.Command{
		Use:   "share <value>",
		Short: "Contribute one observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Value = args[0]
			req.IOCType = domain.IOCType(iocType)
			if req.IOCType == "" {
				req.IOCType = domain.InferIOCType(req.Value)
			}
			req.ThreatCategory = domain.ThreatCategory(category)
			req.Severity = domain.Severity(severity)
			if patternID != "" || patternExpr != "" {
				req.Pattern = &domain.Pattern{ID: patternID, Expression: patternExpr}
			}

			ctx, cancel := s.context()
			defer cancel()
			res, err := s.client.ShareIndicator(ctx, req)
			if err != nil {
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	f := cmd.Flags()
	f.StringVar(&iocType, "type", "", "Observable type (inferred when empty)")
	f.StringVar(&category, "category", string(domain.OtherCategory), "Threat category")
	f.StringVar(&severity, "severity", string(domain.SeverityMedium), "Severity")
	f.Float64Var(&req.Confidence, "confidence", 0.5, "Confidence in [0, 1]")
	f.IntVar(&req.TTLHours, "ttl", 0, "Time to live in hours (server default when 0)")
	f.StringVar(&patternID, "pattern-id", "", "Detection pattern identifier")
	f.StringVar(&patternExpr, "pattern", "", "Detection pattern expression")
	f.StringToStringVar(&req.Metadata, "meta", nil, "Context metadata as key=value")
	return cmd
}

func queryCommand(s *session) *cobra.Command {
	var iocType string

	cmd := &cobra.Command{
		Use:   "query <value>",
		Short: "Look up one observable in the shared feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := domain.IOCType(iocType)
			if t == "" {
				t = domain.InferIOCType(args[0])
			}
			ctx, cancel := s.context()
			defer cancel()
			ind, err := s.client.QueryIOC(ctx, args[0], t)
			if err != nil {
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), ind)
		},
	}
	cmd.Flags().StringVar(&iocType, "type", "", "Observable type (inferred when empty)")
	return cmd
}

func feedCommand(s *session) *cobra.Command {
	var filter domain.FeedFilter
	var severity, category, iocType string
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Fetch the anonymized threat feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Severity = domain.Severity(severity)
			filter.Category = domain.ThreatCategory(category)
			filter.IOCType = domain.IOCType(iocType)
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			ctx, cancel := s.context()
			defer cancel()
			feed, err := s.client.GetThreatFeed(ctx, filter)
			if err != nil {
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), feed)
		},
	}

	f := cmd.Flags()
	f.StringVar(&severity, "severity", "", "Only this severity")
	f.StringVar(&category, "category", "", "Only this threat category")
	f.StringVar(&iocType, "type", "", "Only this observable type")
	f.Float64Var(&filter.MinConfidence, "min-confidence", 0, "Minimum fused confidence")
	f.DurationVar(&since, "since", 0, "Only indicators seen within this window")
	f.IntVar(&filter.Limit, "limit", 0, "Maximum number of indicators")
	return cmd
}

func statsCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate network statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := s.context()
			defer cancel()
			st, err := s.client.GetNetworkStats(ctx)
			if err != nil {
				return describe(err)
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

// checkCommand looks up every entry of a local list and fails when any of
// them is a shared indicator.
func checkCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Check a list of observables against the shared feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "failed to open list")
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			ctx, cancel := s.context()
			defer cancel()

			scanned, found := 0, 0
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				value := strings.Fields(line)[0]
				scanned++

				ind, err := s.client.QueryIOC(ctx, value, domain.InferIOCType(value))
				switch {
				case status.Code(err) == codes.NotFound:
					fmt.Fprintf(out, "[CLEAN]   %s\n", value)
				case err != nil:
					return describe(err)
				default:
					found++
					fmt.Fprintf(out, "[SHARED]  %s -> %s/%s (risk %.0f, %d organizations)\n",
						value, ind.ThreatCategory, ind.Severity, ind.RiskScore, ind.ContributingOrgsCount)
				}
			}
			if err := scanner.Err(); err != nil {
				return errors.Wrap(err, "failed to read list")
			}

			fmt.Fprintf(out, "%d checked, %d shared\n", scanned, found)
			if found > 0 {
				return ErrThreatsFound
			}
			return nil
		},
	}
}

// describe turns a gRPC status into a plain error message.
func describe(err error) error {
	if st, ok := status.FromError(err); ok {
		return errors.Errorf("%s: %s", strings.ToLower(st.Code().String()), st.Message())
	}
	return err
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
