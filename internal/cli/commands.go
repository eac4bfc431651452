package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/mnemos/internal/engine"
	"github.com/lazypower/mnemos/internal/federation"
	"github.com/lazypower/mnemos/internal/store"
	"github.com/lazypower/mnemos/internal/transcript"
)

const batchSize = 1000

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- ingest command ---

var (
	ingestTranscript   bool
	ingestSource       string
	ingestConversation string
	ingestOnDuplicate  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Ingest shards from a JSON request or a transcript",
	Long: "Reads an ingest request ({source, shards, on_duplicate}) from file or stdin. " +
		"With --transcript the file is a JSONL chat transcript imported as message shards.",
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.BoolVar(&ingestTranscript, "transcript", false, "treat the file as a JSONL chat transcript")
	f.StringVar(&ingestSource, "source", "", "source name (overrides the request's)")
	f.StringVar(&ingestConversation, "conversation", "", "conversation id for transcript shards")
	f.StringVar(&ingestOnDuplicate, "on-duplicate", "", "reject or skip")
}

func openInput(args []string) (io.ReadCloser, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(args[0])
}

func runIngest(cmd *cobra.Command, args []string) error {
	in, err := openInput(args)
	if err != nil {
		return err
	}
	defer in.Close()

	var req engine.IngestRequest
	if ingestTranscript {
		entries, err := transcript.Parse(in)
		if err != nil {
			return err
		}
		source := ingestSource
		if source == "" {
			source = "transcript"
		}
		req.Source = source
		req.Shards = transcript.Shards(entries, transcript.Options{Source: source, ConversationID: ingestConversation})
	} else {
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return fmt.Errorf("decode ingest request: %w", err)
		}
		if ingestSource != "" {
			req.Source = ingestSource
		}
	}
	if ingestOnDuplicate != "" {
		req.OnDuplicate = store.DuplicatePolicy(ingestOnDuplicate)
	}
	if len(req.Shards) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "nothing to ingest")
		return nil
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	var total engine.IngestResult
	for start := 0; start < len(req.Shards); start += batchSize {
		batch := req
		batch.Shards = req.Shards[start:min(start+batchSize, len(req.Shards))]
		res, err := rt.eng.Ingest(cmd.Context(), rt.actor(), batch)
		if err != nil {
			return fmt.Errorf("batch at %d: %w", start, err)
		}
		total.Ingested += res.Ingested
		total.Skipped += res.Skipped
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ingested %d, skipped %d\n", total.Ingested, total.Skipped)
	return nil
}

// --- recall command ---

var (
	recallK         int
	recallUser      string
	recallSession   string
	recallKinds     []string
	recallSources   []string
	recallFederated bool
	recallRemote    string
	recallJSON      bool
)

var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Recall layered memories for a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecall,
}

func init() {
	f := recallCmd.Flags()
	f.IntVar(&recallK, "k", 0, "items per layer (0 uses the configured default)")
	f.StringVar(&recallUser, "user", "", "user id for personalization")
	f.StringVar(&recallSession, "session", "", "session id for cadence")
	f.StringSliceVar(&recallKinds, "kinds", nil, "restrict evidence to shard kinds")
	f.StringSliceVar(&recallSources, "sources", nil, "restrict evidence to sources")
	f.BoolVar(&recallFederated, "federated", false, "merge answers from configured peers")
	f.StringVar(&recallRemote, "remote", "", "query the mnemos node at this URL instead of the local store")
	f.BoolVar(&recallJSON, "json", false, "print the raw response")
}

func runRecall(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if recallRemote != "" {
		return recallFromRemote(cmd, text)
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	req := engine.RecallRequest{
		Text:      text,
		K:         recallK,
		UserID:    recallUser,
		SessionID: recallSession,
		Actor:     rt.actor(),
	}
	for _, k := range recallKinds {
		req.Filters.Kinds = append(req.Filters.Kinds, store.Kind(k))
	}
	req.Filters.Sources = recallSources

	var resp *engine.RecallResponse
	if recallFederated {
		resp, err = rt.eng.FederatedRecall(cmd.Context(), req)
	} else {
		resp, err = rt.eng.Recall(cmd.Context(), req)
	}
	if err != nil {
		return err
	}
	if recallJSON {
		return printJSON(out, resp)
	}

	if resp.Code == engine.CodeEmptyResult {
		fmt.Fprintln(out, "No memories found.")
		return nil
	}
	fmt.Fprintf(out, "event %s  lead=%s  confidence=%.3f\n", resp.EventID, resp.Lead, resp.Confidence)
	if len(resp.Degraded) > 0 {
		fmt.Fprintf(out, "degraded: %s\n", strings.Join(resp.Degraded, ", "))
	}
	for _, name := range []string{federation.LayerPrecision, federation.LayerEvidence, federation.LayerIntuition, federation.LayerMyth} {
		printLayer(out, name, resp.Layers()[name])
	}
	return nil
}

func printLayer(w io.Writer, name string, items []engine.Item) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "\n## %s\n", name)
	for i, it := range items {
		mark := ""
		if it.Tentative {
			mark = " (tentative)"
		}
		origin := ""
		if it.Origin != "" && it.Origin != federation.OriginLocal {
			origin = " @" + it.Origin
		}
		fmt.Fprintf(w, "%d. [%.3f] %s %s%s%s\n", i+1, it.Score, it.Kind, it.ID, origin, mark)
		fmt.Fprintf(w, "   %s\n", it.Text)
	}
}

func recallFromRemote(cmd *cobra.Command, text string) error {
	ctx := cmd.Context()
	c := federation.NewClient(recallRemote)
	items, err := c.Recall(ctx, federation.Request{Text: text, K: recallK, Kinds: recallKinds, Sources: recallSources})
	if err != nil {
		return err
	}
	if recallJSON {
		return printJSON(cmd.OutOrStdout(), items)
	}
	for i, it := range items {
		fmt.Fprintf(cmd.OutOrStdout(), "%d. [%s %.3f] %s %s\n   %s\n", i+1, it.Layer, it.Score, it.Kind, it.ID, it.Text)
	}
	return nil
}

// --- reflect command ---

var reflectPass string

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Run reflection passes now",
	RunE:  runReflect,
}

func init() {
	reflectCmd.Flags().StringVar(&reflectPass, "pass", "", "run one pass (distill, cluster, elevate); default all")
}

func runReflect(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	p := rt.eng.Pipeline()
	if reflectPass != "" {
		st, err := p.Run(cmd.Context(), reflectPass)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}
	stats, err := p.RunAll(cmd.Context())
	if err != nil {
		return err
	}
	for _, st := range stats {
		fmt.Fprintf(cmd.OutOrStdout(), "%-8s considered=%d applied=%d unchanged=%d parked=%d dead=%d failed=%d (%s)\n",
			st.Pass, st.Considered, st.Applied, st.Unchanged, st.Parked, st.DeadLettered, st.Failed, st.Duration.Round(time.Millisecond))
	}
	return nil
}

// --- profile command ---

var profileCmd = &cobra.Command{
	Use:   "profile <user>",
	Short: "Show a user's personalization profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		p, err := rt.eng.Profile(cmd.Context(), rt.actor(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

// --- deadletters command ---

var deadLettersClear bool

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List reflection inputs that exhausted their retries",
	RunE:  runDeadLetters,
}

func init() {
	deadLettersCmd.Flags().BoolVar(&deadLettersClear, "clear", false, "clear the listed entries so the next run retries them")
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	dl, err := rt.db.DeadLetters(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(dl) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}
	for _, d := range dl {
		fmt.Fprintf(out, "%s  attempts=%d  %s\n", d.PassKey, d.Attempts, d.LastError)
		if deadLettersClear {
			if err := rt.db.ClearDeadLetter(ctx, d.PassKey); err != nil {
				return err
			}
		}
	}
	if deadLettersClear {
		fmt.Fprintf(out, "cleared %d\n", len(dl))
	}
	return nil
}
