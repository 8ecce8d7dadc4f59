package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/checksum"
	"github.com/kabili207/meshcore-ota/transport/mqtt"
	"github.com/spf13/cobra"
)

func newChecksumCmd() *cobra.Command {
	var algorithm string
	cmd := &cobra.Command{
		Use:   "checksum <image>",
		Short: "Print the digest of a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, err := checksum.ParseAlgorithm(algorithm)
			if err != nil {
				return err
			}
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", checksum.Sum(alg, img), args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&algorithm, "algorithm", "a", "sha256", "digest algorithm (sha256, blake2s)")
	return cmd
}

// imageOptions describe how an image is offered to devices.
type imageOptions struct {
	Process      uint32
	DeviceType   uint8
	FragmentSize uint16
	Algorithm    string
	FwName       string
	FwVersion    string
	Multicast    bool
	DelayStart   uint16
	DelayEnd     uint16
	ReportPeriod uint16
	Fallback     uint8
	IntervalUni  uint16
	IntervalMPL  uint16
	Resource     string
}

// imageParameters describes img as OTA parameters.
func imageParameters(img []byte, o imageOptions) (*core.Parameters, error) {
	alg, err := checksum.ParseAlgorithm(o.Algorithm)
	if err != nil {
		return nil, err
	}
	if o.FragmentSize == 0 {
		return nil, fmt.Errorf("fragment size must be positive")
	}
	total := uint32(len(img))
	count := core.FragmentCountFor(total, o.FragmentSize)
	if count > 0xFFFF {
		return nil, fmt.Errorf("image needs %d fragments, use a larger fragment size", count)
	}
	p := &core.Parameters{
		ProcessID:               core.ProcessID(o.Process),
		DeviceType:              core.DeviceType(o.DeviceType),
		ResponseDelayStart:      o.DelayStart,
		ResponseDelayEnd:        o.DelayEnd,
		ReportPeriod:            o.ReportPeriod,
		Multicast:               o.Multicast,
		FwName:                  o.FwName,
		FwVersion:               o.FwVersion,
		TotalBytes:              total,
		FragmentSize:            o.FragmentSize,
		FragmentCount:           uint16(count),
		SegmentCount:            core.SegmentCountFor(uint16(count)),
		FragmentIntervalUnicast: o.IntervalUni,
		FragmentIntervalMPL:     o.IntervalMPL,
		Checksum:                checksum.Sum(alg, img),
		FallbackTimeout:         o.Fallback,
		DeliveredImageResource:  o.Resource,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func newStartCommandCmd() *cobra.Command {
	var o imageOptions
	cmd := &cobra.Command{
		Use:   "start-command <image>",
		Short: "Print the JSON start command for a firmware image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := imageParameters(img, o)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(mqtt.Command{Op: mqtt.OpStart, Process: p.ProcessID, Parameters: p})
		},
	}
	f := cmd.Flags()
	f.Uint32VarP(&o.Process, "process", "p", 1, "process id")
	f.Uint8Var(&o.DeviceType, "device-type", 3, "target device type (1-5)")
	f.Uint16Var(&o.FragmentSize, "fragment-size", 256, "fragment size in bytes")
	f.StringVarP(&o.Algorithm, "algorithm", "a", "sha256", "digest algorithm (sha256, blake2s)")
	f.StringVar(&o.FwName, "name", "", "firmware name")
	f.StringVar(&o.FwVersion, "version", "", "firmware version")
	f.BoolVar(&o.Multicast, "multicast", false, "deliver fragments over multicast")
	f.Uint16Var(&o.DelayStart, "delay-start", 0, "response delay lower bound in seconds")
	f.Uint16Var(&o.DelayEnd, "delay-end", 0, "response delay upper bound in seconds")
	f.Uint16Var(&o.ReportPeriod, "report-period", 0, "download report period in seconds")
	f.Uint8Var(&o.Fallback, "fallback", 0, "fallback timeout in hours")
	f.Uint16Var(&o.IntervalUni, "interval-unicast", 0, "unicast fragment interval in ms")
	f.Uint16Var(&o.IntervalMPL, "interval-mpl", 0, "MPL fragment interval in ms")
	f.StringVar(&o.Resource, "resource", "", "delivered image resource on routers")
	return cmd
}
