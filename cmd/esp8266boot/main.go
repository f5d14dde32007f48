package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/flashkit/esp8266boot/internal/bootloader"
	"github.com/flashkit/esp8266boot/internal/compose"
	"github.com/flashkit/esp8266boot/internal/events"
	"github.com/flashkit/esp8266boot/internal/imageset"
	"github.com/flashkit/esp8266boot/internal/logging"
	"github.com/flashkit/esp8266boot/internal/programmer"
	"github.com/flashkit/esp8266boot/internal/protocol"
	"github.com/flashkit/esp8266boot/internal/stub"
	"github.com/flashkit/esp8266boot/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	portFlag     string
	baudFlag     int
	preserveFlag bool
	eraseBugFlag bool
	overrideFlag string
	mergeFSFlag  bool
	genIDFlag    bool
	hostnameFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "esp8266boot",
		Short: "Flash firmware to ESP8266 devices",
		Long: `esp8266boot talks directly to the ESP8266 ROM bootloader: no external
esptool.py dependency, just the SLIP-framed SYNC/FLASH_*/MEM_* protocol
the ROM itself understands.`,
	}

	flashCmd := &cobra.Command{
		Use:   "flash <directory>",
		Short: "Flash a directory of 0xADDRESS.bin images to a device",
		Long: `Flash reads every "0x*.bin" file in directory, keyed by the flash
address in its basename, and writes them to the device in ascending
address order.`,
		Args: cobra.ExactArgs(1),
		RunE: runFlash,
	}
	flashCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port")
	flashCmd.Flags().IntVarP(&baudFlag, "baud", "b", transport.DefaultBaudRate, "Baud rate")
	flashCmd.Flags().BoolVar(&preserveFlag, "preserve-params", true, "Preserve the flash parameters already on the device")
	flashCmd.Flags().BoolVar(&eraseBugFlag, "erase-bug-workaround", true, "Work around the ROM's SPIEraseArea double-erase bug")
	flashCmd.Flags().StringVar(&overrideFlag, "override-params", "", "Override flash parameters (number or mode,size,freq triple)")
	flashCmd.Flags().BoolVar(&mergeFSFlag, "merge-fs", false, "Merge the bundled filesystem image onto the device's existing one")
	flashCmd.Flags().BoolVar(&genIDFlag, "gen-id", false, "Generate a device identity block if none is already present")
	flashCmd.Flags().StringVar(&hostnameFlag, "id-hostname", "", "Hostname to embed in a generated identity block")
	flashCmd.MarkFlagRequired("port")

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Reset a device into the bootloader and report its MAC and chip variant",
		RunE:  runProbe,
	}
	probeCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port")
	probeCmd.MarkFlagRequired("port")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	readCmd := &cobra.Command{
		Use:   "read <offset> <length>",
		Short: "Read raw bytes off a device's flash using the RAM-stub read-back",
		Args:  cobra.ExactArgs(2),
		RunE:  runRead,
	}
	readCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port")
	readCmd.MarkFlagRequired("port")

	paramsCmd := &cobra.Command{
		Use:   "params <value>",
		Short: "Parse and re-render a flash-parameter value",
		Args:  cobra.ExactArgs(1),
		RunE:  runParams,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("esp8266boot %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(flashCmd, probeCmd, listCmd, readCmd, paramsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// flashDevice adapts a bootloader.Session to compose.FlashReader by
// way of the RAM-stub read-back.
type flashDevice struct {
	sess *bootloader.Session
}

func (d *flashDevice) ReadFlash(offset, length uint32) ([]byte, error) {
	return stub.ReadFlash(d.sess, offset, length)
}

func runFlash(cmd *cobra.Command, args []string) error {
	dir := args[0]
	log := logging.Default()

	set, err := imageset.Load(dir)
	if err != nil {
		return fmt.Errorf("load images: %w", err)
	}
	fmt.Printf("Loaded %d image(s) from %s\n", set.Len(), dir)

	port, err := transport.Open(portFlag, baudFlag)
	if err != nil {
		return fmt.Errorf("open port: %w", err)
	}
	defer port.Close()

	sess := bootloader.New(port, log)
	fmt.Println("Connecting to bootloader...")
	if err := sess.RebootIntoBootloader(); err != nil {
		return err
	}
	fmt.Println("Connected.")

	opts := compose.Options{
		PreserveParams:   preserveFlag,
		MergeFilesystem:  mergeFSFlag,
		GenerateIdentity: genIDFlag,
		Hostname:         hostnameFlag,
	}
	if overrideFlag != "" {
		p, err := protocol.ParseFlashParams(overrideFlag)
		if err != nil {
			return fmt.Errorf("--override-params: %w", err)
		}
		opts.OverrideParams = &p
		opts.PreserveParams = false
	}

	composer := compose.New(&flashDevice{sess: sess})
	if err := composer.Prepare(set, opts); err != nil {
		return fmt.Errorf("prepare images: %w", err)
	}

	out := events.NewStream()
	bar := progressbar.NewOptions(programmer.TotalBlocks(set),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range out {
			switch ev.Kind {
			case events.StatusMessage:
				fmt.Printf("\n%s\n", ev.Message)
			case events.Progress:
				bar.Set(ev.Written)
			case events.Done:
				if ev.Err != nil {
					fmt.Printf("\nFailed: %v\n", ev.Err)
				}
			}
		}
	}()

	prog := programmer.New(sess, log)
	runErr := prog.Program(set, programmer.Options{EraseBugWorkaround: eraseBugFlag}, out)
	<-done
	bar.Finish()
	if runErr != nil {
		return runErr
	}
	fmt.Println("\nFlash complete!")
	return nil
}

func runProbe(cmd *cobra.Command, args []string) error {
	log := logging.Default()
	result, err := bootloader.Probe(portFlag, log)
	if err != nil {
		return err
	}
	fmt.Printf("Port: %s\n", result.Port)
	fmt.Printf("MAC:  %s\n", bootloader.FormatMAC(result.MAC))
	fmt.Printf("Chip: %s\n", result.Chip)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := transport.ListPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}
	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	offset, err := strconv.ParseUint(args[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid offset: %w", err)
	}
	length, err := strconv.ParseUint(args[1], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid length: %w", err)
	}

	log := logging.Default()
	port, err := transport.Open(portFlag, transport.DefaultBaudRate)
	if err != nil {
		return fmt.Errorf("open port: %w", err)
	}
	defer port.Close()

	sess := bootloader.New(port, log)
	if err := sess.RebootIntoBootloader(); err != nil {
		return err
	}

	data, err := stub.ReadFlash(sess, uint32(offset), uint32(length))
	if err != nil {
		return fmt.Errorf("read flash: %w", err)
	}
	fmt.Println(hex.Dump(data))
	return nil
}

func runParams(cmd *cobra.Command, args []string) error {
	p, err := protocol.ParseFlashParams(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("0x%04x (%s)\n", uint16(p), protocol.FormatFlashParams(p))
	return nil
}
