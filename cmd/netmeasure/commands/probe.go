package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vi/netmeasure2/internal/experiment"
	"github.com/vi/netmeasure2/internal/probe"
	"github.com/vi/netmeasure2/internal/visualise"
)

func probeCmd() *cobra.Command {
	var (
		addr          string
		direction     string
		packetSize    uint32
		packetDelayUs uint64
		totalPackets  uint32
		rtpMimic      bool
		warmup        time.Duration
		negotiate     time.Duration
		output        string
		rawDumpPath   string
		printSummary  bool
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run one experiment against a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := experiment.ParseDirection(direction)
			if err != nil {
				return err
			}
			info := experiment.Info{
				PacketSize:     packetSize,
				PacketDelayUs:  packetDelayUs,
				TotalPackets:   totalPackets,
				Direction:      dir,
				RTPMimic:       rtpMimic,
				PendingStartUs: uint64(warmup.Microseconds()),
			}

			p, err := probe.New(probe.Config{
				ServerAddr:    addr,
				StartDeadline: time.Now().Add(negotiate),
				RawDumpPath:   rawDumpPath,
				Logger:        defaultCLILogger(),
			})
			if err != nil {
				return fmt.Errorf("create probe: %w", err)
			}
			defer p.Close()

			ctx, cancel := context.WithTimeout(context.Background(), negotiate+info.Duration()+30*time.Second)
			defer cancel()

			doc, err := p.Run(ctx, info)
			if err != nil {
				return fmt.Errorf("run probe: %w", err)
			}

			if printSummary {
				fmt.Println(visualise.SummaryHeader)
				fmt.Println(visualise.SummaryLine(doc))
			}

			return writeDocument(output, doc)
		},
	}

	cmd.Flags().StringVar(&addr, "server", "127.0.0.1:9100", "server address (host:port)")
	cmd.Flags().StringVar(&direction, "direction", "send", "experiment direction: send|recv|both")
	cmd.Flags().Uint32Var(&packetSize, "packetsize", 512, "UDP payload size of each data frame")
	cmd.Flags().Uint64Var(&packetDelayUs, "packetdelay", 20000, "inter-packet interval, microseconds")
	cmd.Flags().Uint32Var(&totalPackets, "totalpackets", 1000, "number of data frames to send")
	cmd.Flags().BoolVar(&rtpMimic, "rtpmimic", false, "use the RTP-mimic data-frame header layout")
	cmd.Flags().DurationVar(&warmup, "warmup", 2*time.Second, "warm-up offset before steady-state emission")
	cmd.Flags().DurationVar(&negotiate, "negotiate-timeout", 10*time.Second, "negotiation deadline")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write ResultsForStoring JSON to this path (default: stdout)")
	cmd.Flags().StringVarP(&rawDumpPath, "raw-dump", "R", "", "save raw received-frame data to this path for postmortem replay")
	cmd.Flags().BoolVarP(&printSummary, "summary", "S", false, "print the one-line summary to stdout in addition to the document")

	return cmd
}

func writeDocument(path string, doc experiment.ResultsForStoring) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	b = append(b, '\n')

	if path == "" {
		_, err := os.Stdout.Write(b)
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
