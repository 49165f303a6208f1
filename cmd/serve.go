package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/Manu343726/gdbridge/pkg/rsp"
	"github.com/Manu343726/gdbridge/pkg/stub"
	"github.com/Manu343726/gdbridge/pkg/vm"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	colorAddr    = color.New(color.FgCyan)
	colorSuccess = color.New(color.FgGreen)
	colorWarning = color.New(color.FgYellow)
	colorError   = color.New(color.FgRed, color.Bold)
)

var (
	serveListen     string
	serveImageBase  uint64
	serveEntry      uint64
	serveEntrySet   bool
	serveMemorySize uint64
	serveTargetFile string
)

var serveCmd = &cobra.Command{
	Use:   "serve <image>",
	Short: "Serve a program image to remote debuggers",
	Long: `Load a flat RV64 binary image into the emulator and listen for remote
debugger connections.

Each connection gets a fresh machine with the image loaded at the configured
base address and the program counter at the entry point, so reconnecting
always debugs the program from the start. Connections are served one at a
time.

Attach with:
  gdb -ex 'target remote <listen address>'`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "localhost:1234", "TCP address to listen on")
	serveCmd.Flags().Uint64Var(&serveImageBase, "image-base", 0, "guest address the image is loaded at")
	serveCmd.Flags().Uint64Var(&serveEntry, "entry", 0, "entry point (default: image base)")
	serveCmd.Flags().Uint64VarP(&serveMemorySize, "memory", "m", 0x100000, "guest memory size in bytes")
	serveCmd.Flags().StringVar(&serveTargetFile, "target", "", "YAML target description overriding the built-in RV64 layout")
}

func runServe(cmd *cobra.Command, args []string) error {
	serveEntrySet = cmd.Flags().Changed("entry")

	log, err := newLogger()
	if err != nil {
		return err
	}

	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	target := rsp.DefaultTarget()
	if serveTargetFile != "" {
		target, err = rsp.LoadTargetDescription(serveTargetFile)
		if err != nil {
			return err
		}
	}

	listener, err := net.Listen("tcp", serveListen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", serveListen, err)
	}
	defer listener.Close()

	colorSuccess.Printf("Loaded %d bytes from %s at %s\n",
		len(image), args[0], colorAddr.Sprintf("0x%x", serveImageBase))
	colorSuccess.Printf("Listening on %s\n", colorAddr.Sprint(listener.Addr().String()))
	fmt.Printf("Attach with: gdb -ex 'target remote %s'\n", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accepting connection: %w", err)
		}
		colorSuccess.Printf("Debugger connected from %s\n", colorAddr.Sprint(conn.RemoteAddr().String()))

		if err := serveConnection(conn, image, target, log); err != nil {
			colorError.Printf("Session failed: %v\n", err)
		} else {
			colorWarning.Println("Debugger disconnected")
		}
		conn.Close()
	}
}

// serveConnection builds a fresh machine for one debugger connection and
// serves it until the debugger goes away
func serveConnection(conn net.Conn, image []byte, target *rsp.TargetDescription, log *slog.Logger) error {
	machine := vm.NewRV64(serveMemorySize)
	if err := vm.LoadImage(machine, image, serveImageBase); err != nil {
		return err
	}
	entry := serveImageBase
	if serveEntrySet {
		entry = serveEntry
	}
	machine.SetPC(entry)

	session, err := stub.NewSession(conn, machine, target, log)
	if err != nil {
		return err
	}
	return session.Run()
}
