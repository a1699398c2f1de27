package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/lumberbarons/modbuscore"
	"github.com/lumberbarons/modbuscore/platform"
)

func main() {
	app := &cli.App{
		Name:  "modbus-cli",
		Usage: "Command-line tool for Modbus communication",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "protocol",
				Aliases:  []string{"p"},
				Usage:    "Protocol type: tcp or rtu",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "address",
				Aliases:  []string{"a"},
				Usage:    "Connection address (TCP: host:port, RTU: /dev/ttyUSB0)",
				Required: true,
			},
			&cli.IntFlag{
				Name:    "slave-id",
				Aliases: []string{"s"},
				Usage:   "Modbus slave/unit ID (RTU; 0 broadcasts)",
				Value:   1,
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Response timeout",
				Value:   5 * time.Second,
			},
			// Serial-specific options
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Baud rate (RTU only)",
				Value: 19200,
			},
			&cli.IntFlag{
				Name:  "data-bits",
				Usage: "Data bits (RTU only)",
				Value: 8,
			},
			&cli.IntFlag{
				Name:  "stop-bits",
				Usage: "Stop bits (RTU only)",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "parity",
				Usage: "Parity: none, odd, even (RTU only)",
				Value: "even",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "read-coils",
				Usage: "Read coils (function code 1)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return readBitsAction(c, modbuscore.FuncCodeReadCoils)
				},
			},
			{
				Name:  "read-discrete-inputs",
				Usage: "Read discrete inputs (function code 2)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return readBitsAction(c, modbuscore.FuncCodeReadDiscreteInputs)
				},
			},
			{
				Name:  "read-holding-registers",
				Usage: "Read holding registers (function code 3)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return readRegistersAction(c, modbuscore.FuncCodeReadHoldingRegisters)
				},
			},
			{
				Name:  "read-input-registers",
				Usage: "Read input registers (function code 4)",
				Flags: readFlags(),
				Action: func(c *cli.Context) error {
					return readRegistersAction(c, modbuscore.FuncCodeReadInputRegisters)
				},
			},
			{
				Name:  "write-coil",
				Usage: "Write a single coil (function code 5)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Usage: "Coil address", Required: true},
					&cli.BoolFlag{Name: "value", Usage: "Coil value"},
				},
				Action: writeCoilAction,
			},
			{
				Name:  "write-register",
				Usage: "Write a single holding register (function code 6)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "address", Usage: "Register address", Required: true},
					&cli.UintFlag{Name: "value", Usage: "Register value", Required: true},
				},
				Action: writeRegisterAction,
			},
			{
				Name:  "write-coils",
				Usage: "Write multiple coils (function code 15)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.StringFlag{Name: "values", Usage: "Comma-separated bits, e.g. 1,0,1", Required: true},
				},
				Action: writeCoilsAction,
			},
			{
				Name:  "write-registers",
				Usage: "Write multiple holding registers (function code 16)",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
					&cli.StringFlag{Name: "values", Usage: "Comma-separated values, decimal or 0x-hex", Required: true},
				},
				Action: writeRegistersAction,
			},
			{
				Name:  "raw",
				Usage: "Send a raw PDU and print the response payload",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "fc", Usage: "Function code", Required: true},
					&cli.StringFlag{Name: "data", Usage: "Request payload as hex, e.g. 006b0003"},
					&cli.UintFlag{Name: "response-length", Usage: "Expected response payload length in bytes", Required: true},
				},
				Action: rawAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func readFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: "start", Usage: "Starting address", Required: true},
		&cli.UintFlag{Name: "count", Usage: "Number of items to read", Required: true},
	}
}

// newClient connects per the global flags and returns the client plus a
// cleanup function.
func newClient(c *cli.Context) (*modbuscore.Client, func(), error) {
	timeoutMs := int32(c.Duration("timeout").Milliseconds())

	switch c.String("protocol") {
	case "tcp":
		conn, err := net.DialTimeout("tcp", c.String("address"), c.Duration("timeout"))
		if err != nil {
			return nil, nil, fmt.Errorf("dialing %s: %w", c.String("address"), err)
		}
		client, err := modbuscore.NewClient(platform.NewStream(conn).Conf(modbuscore.TCP))
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		client.SetReadTimeout(timeoutMs)
		return client, func() { conn.Close() }, nil

	case "rtu":
		serial := platform.NewSerial(c.String("address"))
		serial.BaudRate = c.Int("baud")
		serial.DataBits = c.Int("data-bits")
		if c.Int("stop-bits") == 2 {
			serial.StopBits = platform.TwoStopBits
		}
		switch strings.ToLower(c.String("parity")) {
		case "none":
			serial.Parity = platform.NoParity
		case "odd":
			serial.Parity = platform.OddParity
		default:
			serial.Parity = platform.EvenParity
		}
		if err := serial.Connect(); err != nil {
			return nil, nil, err
		}
		client, err := modbuscore.NewClient(serial.Conf())
		if err != nil {
			serial.Close()
			return nil, nil, err
		}
		client.SetReadTimeout(timeoutMs)
		client.SetDestinationRTUAddress(byte(c.Int("slave-id")))
		return client, func() { serial.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown protocol %q", c.String("protocol"))
}

func readBitsAction(c *cli.Context, fc byte) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))

	var bits modbuscore.Bitfield
	if fc == modbuscore.FuncCodeReadCoils {
		err = client.ReadCoils(start, count, &bits)
	} else {
		err = client.ReadDiscreteInputs(start, count, &bits)
	}
	if err != nil {
		return err
	}
	for i := uint16(0); i < count; i++ {
		value := 0
		if bits.Get(i) {
			value = 1
		}
		fmt.Printf("%d: %d\n", start+i, value)
	}
	return nil
}

func readRegistersAction(c *cli.Context, fc byte) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	start := uint16(c.Uint("start"))
	count := uint16(c.Uint("count"))

	registers := make([]uint16, count)
	if fc == modbuscore.FuncCodeReadHoldingRegisters {
		err = client.ReadHoldingRegisters(start, count, registers)
	} else {
		err = client.ReadInputRegisters(start, count, registers)
	}
	if err != nil {
		return err
	}
	for i, v := range registers {
		fmt.Printf("%d: %d (0x%04x)\n", start+uint16(i), v, v)
	}
	return nil
}

func writeCoilAction(c *cli.Context) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	return client.WriteSingleCoil(uint16(c.Uint("address")), c.Bool("value"))
}

func writeRegisterAction(c *cli.Context) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	return client.WriteSingleRegister(uint16(c.Uint("address")), uint16(c.Uint("value")))
}

func writeCoilsAction(c *cli.Context) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	parts := strings.Split(c.String("values"), ",")
	var bits modbuscore.Bitfield
	for i, part := range parts {
		switch strings.TrimSpace(part) {
		case "1", "on", "true":
			bits.Set(uint16(i), true)
		case "0", "off", "false":
		default:
			return fmt.Errorf("invalid coil value %q", part)
		}
	}
	return client.WriteMultipleCoils(uint16(c.Uint("start")), uint16(len(parts)), &bits)
}

func rawAction(c *cli.Context) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	data, err := hex.DecodeString(c.String("data"))
	if err != nil {
		return fmt.Errorf("invalid request payload: %w", err)
	}
	if err := client.SendRawPDU(byte(c.Uint("fc")), data); err != nil {
		return err
	}
	response := make([]byte, c.Uint("response-length"))
	if err := client.ReceiveRawPDUResponse(response); err != nil {
		return err
	}
	fmt.Printf("% x\n", response)
	return nil
}

func writeRegistersAction(c *cli.Context) error {
	client, cleanup, err := newClient(c)
	if err != nil {
		return err
	}
	defer cleanup()

	parts := strings.Split(c.String("values"), ",")
	registers := make([]uint16, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 0, 16)
		if err != nil {
			return fmt.Errorf("invalid register value %q: %w", part, err)
		}
		registers[i] = uint16(v)
	}
	return client.WriteMultipleRegisters(uint16(c.Uint("start")), uint16(len(registers)), registers)
}
