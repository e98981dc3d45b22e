package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/lexflow/lexflow/client"
)

func newClient(cmd *cli.Command) (*client.Client, error) {
	apiKey := cmd.String("api-key")
	owner := cmd.String("owner")
	if apiKey == "" {
		return nil, errors.New("an API key is required (--api-key or LEXFLOW_API_KEY)")
	}
	if owner == "" {
		return nil, errors.New("an owner identity is required (--owner or LEXFLOW_OWNER)")
	}
	return client.New(cmd.String("server"), apiKey, owner), nil
}

func readPayload(cmd *cli.Command) (json.RawMessage, error) {
	inline := cmd.String("payload")
	file := cmd.String("payload-file")
	switch {
	case inline != "" && file != "":
		return nil, errors.New("--payload and --payload-file are mutually exclusive")
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return raw, nil
	case inline != "":
		return json.RawMessage(inline), nil
	}
	return nil, nil
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	payload, err := readPayload(cmd)
	if err != nil {
		return err
	}

	j, err := c.CreateJob(ctx, cmd.String("type"), payload)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(os.Stderr, "job %s accepted\n", j.ID)
	if cmd.Bool("detach") {
		fmt.Println(j.ID)
		return nil
	}

	var meta map[string]string
	if doc := cmd.String("document"); doc != "" {
		meta = map[string]string{"document": doc}
	}

	done := make(chan client.Notification, 1)
	m := client.NewMonitor(c, client.NotifierFunc(func(n client.Notification) {
		select {
		case done <- n:
		default:
		}
	}), client.MonitorOptions{})
	defer m.Close()
	m.Track(j.ID, j.Type, meta)

	select {
	case n := <-done:
		if n.Kind == client.KindFailure {
			return fmt.Errorf("job %s failed: %s", j.ID, n.Message)
		}
		fmt.Fprintln(os.Stderr, n.Message)
		return printResult(ctx, c, j.ID)
	case <-ctx.Done():
		return fmt.Errorf("interrupted; job %s keeps running server-side", j.ID)
	}
}

// printResult fetches the finished job and pretty-prints its result payload.
func printResult(ctx context.Context, c *client.Client, id string) error {
	j, err := c.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}
	if len(j.Result) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, j.Result, "", "  "); err != nil {
		fmt.Println(string(j.Result))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	m := client.NewMonitor(c, &client.WriterNotifier{W: os.Stdout}, client.MonitorOptions{
		ReconcileInterval: cmd.Duration("interval"),
	})
	defer m.Close()
	m.Refresh()

	fmt.Fprintln(os.Stderr, "watching jobs, interrupt to stop")
	<-ctx.Done()
	return nil
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	page, err := c.ListJobs(ctx, cmd.Int("limit"), cmd.Int("offset"))
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(page.Jobs) == 0 {
		fmt.Println("no jobs")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Type", "Status", "Progress", "Created")
	for _, j := range page.Jobs {
		table.Append(j.ID, j.Type, string(j.Status), progressCell(j), j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	table.Render()

	if page.HasMore {
		fmt.Printf("showing %d of %d, continue with --offset %d\n",
			len(page.Jobs), page.Total, page.Offset+len(page.Jobs))
	}
	return nil
}

func progressCell(j *client.Job) string {
	if j.Status == client.StatusProcessing && j.ProgressMessage != "" {
		return fmt.Sprintf("%d%% %s", j.Progress, j.ProgressMessage)
	}
	return fmt.Sprintf("%d%%", j.Progress)
}

func getAction(ctx context.Context, cmd *cli.Command) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	id := cmd.Args().First()
	if id == "" {
		return errors.New("usage: lexwatch get <job-id>")
	}

	j, err := c.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get %s: %w", id, err)
	}
	out, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
