// Command hall-keyboard scans analog Hall-effect key sensors and
// emits USB HID keyboard reports through a gadget device, publishing
// telemetry to MQTT and serving a status page over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/hall-keyboard/internal/adc"
	"github.com/sweeney/hall-keyboard/internal/config"
	"github.com/sweeney/hall-keyboard/internal/gamepad"
	"github.com/sweeney/hall-keyboard/internal/hid"
	"github.com/sweeney/hall-keyboard/internal/layout"
	"github.com/sweeney/hall-keyboard/internal/matrix"
	"github.com/sweeney/hall-keyboard/internal/mqtt"
	"github.com/sweeney/hall-keyboard/internal/profile"
	"github.com/sweeney/hall-keyboard/internal/proto"
	"github.com/sweeney/hall-keyboard/internal/status"
	"github.com/sweeney/hall-keyboard/internal/store"
	"github.com/sweeney/hall-keyboard/internal/web"
)

func main() {
	configPath := flag.String("config", "", "Keyboard config file (TOML/YAML/JSON, empty to use stored image)")
	storePath := flag.String("store", "/var/lib/hall-keyboard/image.bin", "Persistent image path")
	gadgetPath := flag.String("hidg", hid.DefaultGadgetPath, "HID gadget device path")
	broker := flag.String("broker", "tcp://192.168.1.200:1883", "MQTT broker address (empty to disable)")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	httpAddr := flag.String("http", ":80", "HTTP status address (empty to disable)")
	protoAddr := flag.String("proto", "", "Configuration protocol TCP address (empty to disable)")
	invertADC := flag.Bool("invert-adc", false, "Invert raw ADC readings")
	printState := flag.Bool("print-state", false, "Print per-key ADC values and exit")

	flag.Parse()

	if err := run(*configPath, *storePath, *gadgetPath, *broker, *httpAddr, *protoAddr, *heartbeat, *invertADC, *printState); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath, storePath, gadgetPath, broker, httpAddr, protoAddr string, heartbeat time.Duration, invertADC, printState bool) error {
	sampler, err := adc.NewRealSampler(adc.DefaultPins(), profile.NumKeys)
	if err != nil {
		return fmt.Errorf("init adc: %w", err)
	}
	defer sampler.Close()

	if printState {
		if err := sampler.Task(); err != nil {
			return fmt.Errorf("adc task: %w", err)
		}
		for i := 0; i < profile.NumKeys; i++ {
			v, err := sampler.Read(uint8(i))
			if err != nil {
				return fmt.Errorf("read key %d: %w", i, err)
			}
			fmt.Printf("key %2d: %4d\n", i, v)
		}
		return nil
	}

	st := store.New(store.NewFileWearLeveler(storePath))
	image, err := loadImage(st, configPath)
	if err != nil {
		return err
	}

	dev, err := hid.OpenGadget(gadgetPath)
	if err != nil {
		return fmt.Errorf("init hid: %w", err)
	}
	defer dev.Close()

	start := time.Now()
	now := func() uint32 { return uint32(time.Since(start).Milliseconds()) }

	mat := matrix.New(sampler, image, st, now)
	mat.InvertADC = invertADC
	lay := layout.New(image, mat, dev, st, now)

	var mapper *gamepad.Mapper
	if image.Options.XInputEnabled {
		mapper = gamepad.New(image, mat, gamepad.NewStateOutput())
		lay.Gamepad = mapper
	}

	// Telemetry is optional; the keyboard path never depends on it.
	var publisher mqtt.Publisher
	var mqttStatus mqtt.ConnectionStatus
	if broker != "" {
		p, err := mqtt.NewRealPublisher(broker)
		if err != nil {
			log.Printf("mqtt unavailable: %v", err)
		} else {
			publisher = p
			mqttStatus = p
			defer p.Close()
		}
	}

	tickRate := time.Duration(image.TickRate) * time.Millisecond
	tracker := status.NewTracker(start, status.Config{
		TickRateMS: tickRate.Milliseconds(),
		Broker:     broker,
		HTTPPort:   httpAddr,
		ConfigPath: configPath,
		StorePath:  storePath,
	})

	lay.OnEvent = func(ev layout.Event) {
		tracker.CountEvent(ev.Pressed)
		if publisher != nil {
			err := publisher.Publish(mqtt.KeyEvent{
				Timestamp: time.Now(),
				Key:       ev.Key,
				Pressed:   ev.Pressed,
				Layer:     lay.CurrentLayer(),
				Profile:   image.CurrentProfile,
			})
			if err != nil {
				log.Printf("publish error: %v", err)
			}
		}
	}

	log.Printf("calibrating for %dms", matrix.CalibrationDuration)
	mat.Init()
	lay.Init()

	if publisher != nil {
		snap := tracker.Snapshot()
		event := mqtt.SystemEvent{
			Timestamp:  snap.Now,
			Event:      "STARTUP",
			Retained:   true,
			RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
		}
		if err := publisher.PublishSystem(event); err != nil {
			log.Printf("failed to publish startup event: %v", err)
		} else {
			log.Printf("published startup event")
		}
	}

	if httpAddr != "" {
		srv := web.New(httpAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", httpAddr)
	}

	handler := proto.NewHandler(image, st, lay, mat)
	handler.Serial = deviceSerial()
	handler.Metadata = deviceMetadata()
	protoCh := make(chan protoRequest)
	if protoAddr != "" {
		ln, err := net.Listen("tcp", protoAddr)
		if err != nil {
			return fmt.Errorf("proto listen: %w", err)
		}
		defer ln.Close()
		go serveProto(ln, protoCh)
		log.Printf("config protocol listening on %s", protoAddr)
	}

	var images <-chan *profile.Image
	var watchErrs <-chan error
	if configPath != "" {
		w, err := config.Watch(configPath)
		if err != nil {
			log.Printf("config watch unavailable: %v", err)
		} else {
			defer w.Close()
			images = w.Images
			watchErrs = w.Errors
		}
	}

	log.Printf("started: tick=%v broker=%s heartbeat=%v keys=%d", tickRate, broker, heartbeat, profile.NumKeys)

	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lastHeartbeat := time.Now()

	for {
		select {
		case s := <-sigCh:
			log.Printf("received %v, shutting down", s)
			if publisher != nil {
				signalName := "UNKNOWN"
				if s == syscall.SIGINT {
					signalName = "SIGINT"
				} else if s == syscall.SIGTERM {
					signalName = "SIGTERM"
				}
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event := mqtt.SystemEvent{
					Timestamp:  snap.Now,
					Event:      "SHUTDOWN",
					Reason:     signalName,
					Retained:   true,
					RawPayload: status.FormatStatusEvent(snap, "SHUTDOWN", signalName),
				}
				if err := publisher.PublishSystem(event); err != nil {
					log.Printf("failed to publish shutdown event: %v", err)
				} else {
					log.Printf("published shutdown event")
				}
			}
			return nil

		case im := <-images:
			// Config reloads go through the advanced-key reset
			// invariant between ticks.
			applyConfig(image, im, lay, st)
			if next := time.Duration(image.TickRate) * time.Millisecond; next != tickRate {
				tickRate = next
				ticker.Reset(tickRate)
			}
			log.Printf("config reloaded from %s", configPath)

		case err := <-watchErrs:
			log.Printf("config watch error: %v", err)

		case r := <-protoCh:
			r.resp <- handler.Handle(r.req)

		case <-ticker.C:
			if err := sampler.Task(); err != nil {
				log.Printf("adc task error: %v", err)
				continue
			}
			mat.Scan()
			lay.Task()
			if mapper != nil {
				if err := mapper.Flush(); err != nil {
					log.Printf("gamepad flush error: %v", err)
				}
			}

			updateTracker(tracker, mat, lay, image)
			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

			if publisher != nil && heartbeat > 0 && time.Since(lastHeartbeat) >= heartbeat {
				lastHeartbeat = time.Now()
				snap := tracker.Snapshot()
				event := mqtt.SystemEvent{
					Timestamp:  snap.Now,
					Event:      "HEARTBEAT",
					RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
				}
				if err := publisher.PublishSystem(event); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}
		}
	}
}

// loadImage prefers the config file, falling back to the stored image
// and finally to defaults. A config file always wins over the store
// when both exist, and is persisted as the new image.
func loadImage(st *store.Store, configPath string) (*profile.Image, error) {
	if configPath != "" {
		image, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if !st.SaveImage(image) {
			log.Printf("store: image not persisted")
		}
		return image, nil
	}

	image, err := st.Load()
	if err != nil {
		log.Printf("store: %v, using defaults", err)
		image = profile.Default()
		if !st.SaveImage(image) {
			log.Printf("store: default image not persisted")
		}
	}
	return image, nil
}

// applyConfig swaps the reloaded settings into the live image.
// Runtime calibration state (bottom-out thresholds) is preserved.
func applyConfig(image, next *profile.Image, lay *layout.Engine, st *store.Store) {
	lay.ClearAdvanced()
	image.Profiles = next.Profiles
	image.Macros = next.Macros
	image.Options = next.Options
	image.Calibration = next.Calibration
	image.CurrentProfile = next.CurrentProfile
	image.TickRate = next.TickRate
	lay.LoadAdvancedKeys()
	if !st.SaveImage(image) {
		log.Printf("store: reloaded image not persisted")
	}
}

func updateTracker(tracker *status.Tracker, mat *matrix.Engine, lay *layout.Engine, image *profile.Image) {
	keys := make([]status.KeyInfo, profile.NumKeys)
	for i := range keys {
		s := mat.State(uint8(i))
		keys[i] = status.KeyInfo{
			Filtered:  s.ADCFiltered,
			Rest:      s.ADCRestValue,
			BottomOut: s.ADCBottomOutValue,
			Distance:  s.Distance,
			Pressed:   s.IsPressed,
		}
	}
	tracker.Update(image.CurrentProfile, lay.CurrentLayer(), lay.DefaultLayer(), keys)
}

type protoRequest struct {
	req  []byte
	resp chan [proto.PacketSize]byte
}

// serveProto accepts configuration clients and relays their packets to
// the tick loop, which owns the engines.
func serveProto(ln net.Listener, ch chan<- protoRequest) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, proto.PacketSize)
			for {
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
				r := protoRequest{req: append([]byte(nil), buf...), resp: make(chan [proto.PacketSize]byte, 1)}
				ch <- r
				resp := <-r.resp
				if _, err := c.Write(resp[:]); err != nil {
					return
				}
			}
		}(conn)
	}
}

func deviceSerial() string {
	host, err := os.Hostname()
	if err != nil {
		return "hall-keyboard"
	}
	return "hall-keyboard-" + host
}

func deviceMetadata() []byte {
	return []byte(fmt.Sprintf(
		`{"name":"hall-keyboard","version":"%d.%d","keys":%d,"layers":%d,"profiles":%d}`,
		proto.FirmwareVersion>>8, proto.FirmwareVersion&0xFF,
		profile.NumKeys, profile.NumLayers, profile.NumProfiles))
}
