// Package main provides pokerctl, a command-line client for the admin
// gRPC service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/teampoint/teampoint/internal/admin"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(os.Stdout).Run(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "pokerctl",
		Usage: "inspect a running estimation room server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   "127.0.0.1:50061",
				Usage:   "admin gRPC address",
				Sources: cli.EnvVars("TEAMPOINT_ADMIN_ADDR"),
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 5 * time.Second,
				Usage: "deadline for unary calls",
			},
			&cli.StringFlag{
				Name:  "output",
				Value: "yaml",
				Usage: "output format: yaml or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "rooms",
				Usage: "list, show or follow rooms",
				Commands: []*cli.Command{
					{
						Name:  "list",
						Usage: "print every room",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							return withClient(ctx, cmd, func(ctx context.Context, c *admin.Client) error {
								rooms, err := c.ListRooms(ctx)
								if err != nil {
									return err
								}
								return render(out, cmd.String("output"), rooms)
							})
						},
					},
					{
						Name:      "get",
						Usage:     "print one room",
						ArgsUsage: "CODE",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							code, err := requireCode(cmd)
							if err != nil {
								return err
							}
							return withClient(ctx, cmd, func(ctx context.Context, c *admin.Client) error {
								rm, err := c.GetRoom(ctx, code)
								if err != nil {
									return err
								}
								return render(out, cmd.String("output"), rm)
							})
						},
					},
					{
						Name:      "watch",
						Usage:     "print every update of one room until interrupted",
						ArgsUsage: "CODE",
						Action: func(ctx context.Context, cmd *cli.Command) error {
							code, err := requireCode(cmd)
							if err != nil {
								return err
							}
							return watch(ctx, cmd, out, code)
						},
					},
				},
			},
			{
				Name:  "health",
				Usage: "check the server health service",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cc, err := dial(cmd)
					if err != nil {
						return err
					}
					defer cc.Close()
					ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
					defer cancel()
					resp, err := healthpb.NewHealthClient(cc).Check(ctx, &healthpb.HealthCheckRequest{Service: admin.ServiceName})
					if err != nil {
						return err
					}
					fmt.Fprintln(out, resp.GetStatus().String())
					if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
						return cli.Exit("", 1)
					}
					return nil
				},
			},
		},
	}
}

func requireCode(cmd *cli.Command) (string, error) {
	code := cmd.Args().First()
	if code == "" {
		return "", errors.New("room code argument is required")
	}
	return code, nil
}

func dial(cmd *cli.Command) (*grpc.ClientConn, error) {
	cc, err := grpc.NewClient(cmd.String("addr"), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", cmd.String("addr"), err)
	}
	return cc, nil
}

func withClient(ctx context.Context, cmd *cli.Command, fn func(context.Context, *admin.Client) error) error {
	cc, err := dial(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	return fn(ctx, admin.NewClient(cc))
}

func watch(ctx context.Context, cmd *cli.Command, out io.Writer, code string) error {
	cc, err := dial(cmd)
	if err != nil {
		return err
	}
	defer cc.Close()

	stream, err := admin.NewClient(cc).WatchRoom(ctx, code)
	if err != nil {
		return err
	}
	for n := 0; ; n++ {
		rm, err := stream.Recv()
		if errors.Is(err, io.EOF) || errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if n > 0 && cmd.String("output") == "yaml" {
			fmt.Fprintln(out, "---")
		}
		if err := render(out, cmd.String("output"), rm); err != nil {
			return err
		}
	}
}

func render(out io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
		doc, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = out.Write(doc)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
