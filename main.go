package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dikt/audio"
	"dikt/beep"
	"dikt/clipboard"
	"dikt/doctor"
	"dikt/encoder"
	"dikt/hotkey"
	"dikt/log"
	"dikt/settings"
	"dikt/shutdown"
	"dikt/transcriber"
)

var version = "dev"

var activeTranscriber transcriber.Transcriber
var autoPaste bool
var transcriptionsMu sync.Mutex
var transcriptions []TranscriptionRecord
var percentileStats PercentileStats
var activeFormat string
var activeTrigger string
var lastText string

type PercentileStats struct {
	TotalMs  [5]float64 // min, p50, p90, p95, max
	EncodeMs [5]float64
	CompPct  [5]float64
}

type TranscriptionRecord struct {
	AudioLengthS     float64
	RawSizeKB        float64
	CompressedSizeKB float64
	CompressionPct   float64
	EncodeTimeMs     float64
	TotalTimeMs      float64
}

var deviceSelectChan = make(chan struct{}, 1)

var shutdownOnce sync.Once

func gracefulShutdown() {
	shutdownOnce.Do(func() {
		transcriptionsMu.Lock()
		n := len(transcriptions)
		transcriptionsMu.Unlock()
		if n > 0 {
			log.SessionEnd(n)
		}
		log.Close()
		if p := tuiProg(); p != nil {
			p.Quit()
		}
		os.Exit(0)
	})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix + " (ctrl+g)"
}

func modeLineText() string {
	providerLabel := activeTranscriber.Name()
	if lang := activeTranscriber.GetLanguage(); lang != "" {
		providerLabel += " (" + lang + ")"
	}
	return fmt.Sprintf("[%s | %s]", activeFormat, providerLabel)
}

func reportRecordingError(err error) {
	if err == nil {
		return
	}
	logToTUI("Error recording: %v", err)
	log.Errorf("recording error: %v", err)
}

const recordTail = 500 * time.Millisecond

func run() {
	prefs, prefsErr := settings.Load()

	benchmarkFile := flag.String("benchmark", "", "Run benchmark with WAV file instead of live recording")
	benchmarkRuns := flag.Int("runs", 3, "Number of benchmark iterations")
	autoPasteFlag := flag.Bool("autopaste", prefs.AutoPaste, "Auto-paste to focused window after transcription")
	setupFlag := flag.Bool("setup", false, "Select microphone device (otherwise uses system default)")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	formatFlag := flag.String("format", prefs.Format, "Audio format (flac)")
	triggerFlag := flag.String("trigger", prefs.Trigger, "Preferred shortcut (portal sessions; the desktop may remap it)")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	langFlag := flag.String("lang", prefs.Language, "Language code for transcription (e.g., en, es, fr). Empty = auto-detect")
	crashFlag := flag.Bool("crash", false, "Trigger synthetic panic for testing crash logging")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven)")
	hybridFlag := flag.Bool("hybrid", false, "Enable hybrid tap+hold recording mode")
	longPressFlag := flag.Duration("longpress", 350*time.Millisecond, "Long-press threshold for PTT vs tap (e.g., 350ms)")
	saveFlag := flag.Bool("save", false, "Persist -trigger, -lang, -format and -autopaste as defaults")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	flag.Parse()

	if prefsErr != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not load settings: %v\n", prefsErr)
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(*logPathFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)

	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if *crashFlag {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if *versionFlag {
		fmt.Printf("dikt %s\n", version)
		os.Exit(0)
	}

	if *doctorFlag {
		os.Exit(doctor.Run())
	}
	autoPaste = *autoPasteFlag
	activeTrigger = *triggerFlag

	switch *formatFlag {
	case "flac":
		activeFormat = *formatFlag
	default:
		fmt.Printf("Error: unknown format %q (use flac)\n", *formatFlag)
		os.Exit(1)
	}

	if *saveFlag {
		prefs.Trigger = *triggerFlag
		prefs.Language = *langFlag
		prefs.Format = *formatFlag
		prefs.AutoPaste = *autoPasteFlag
		if err := settings.Save(prefs); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save settings: %v\n", err)
		}
	}

	var initErr error
	activeTranscriber, initErr = transcriber.New()
	if initErr != nil {
		fmt.Printf("Error: %v\n", initErr)
		os.Exit(1)
	}
	if *langFlag != "" {
		activeTranscriber.SetLanguage(*langFlag)
	}

	// Resolve -setup into -device early (before daemonization)
	if *setupFlag && *deviceFlag == "" {
		ctx, err := audio.NewContext()
		if err != nil {
			fmt.Printf("Error initializing audio: %v\n", err)
			os.Exit(1)
		}
		if dev, _ := audio.SelectDevice(ctx); dev != nil {
			*deviceFlag = dev.Name
		}
		ctx.Close()
	}

	// Daemonize in non-TUI mode: re-exec in background, return shell prompt
	if !*tuiFlag && os.Getenv("_DIKT_BG") == "" {
		args := os.Args[1:]
		if *deviceFlag != "" {
			args = append(args, "-device", *deviceFlag)
		}
		exe, _ := os.Executable()
		cmd := exec.Command(exe, args...)
		cmd.Env = append(os.Environ(), "_DIKT_BG=1")
		devnull, _ := os.Open(os.DevNull)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
		if err := cmd.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Diagnostic logging in headless mode (no TUI to surface problems)
	if !*tuiFlag {
		if err := log.Init(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
		} else {
			log.SessionStart(activeTranscriber.Name(), activeFormat)
		}
	}

	if *testFlag {
		args := flag.Args()
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: dikt -test <wav-file>")
			os.Exit(1)
		}
		runTestMode(args[0])
		return
	}

	if *benchmarkFile != "" {
		runBenchmark(*benchmarkFile, *benchmarkRuns)
		return
	}

	if autoPaste {
		if err := clipboard.Init(); err != nil {
			fmt.Printf("Warning: paste init failed: %v\n", err)
			fmt.Println("Fix with: sudo chmod 660 /dev/uinput && sudo chgrp input /dev/uinput")
		}
	}

	ctx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer ctx.Close()

	var selectedDevice *audio.DeviceInfo
	if *deviceFlag != "" {
		if devices, err := ctx.Devices(); err == nil {
			for i := range devices {
				if devices[i].Name == *deviceFlag {
					selectedDevice = &devices[i]
					break
				}
			}
		}
	} else if *setupFlag {
		selectedDevice, err = audio.SelectDevice(ctx)
		if err != nil {
			log.Warnf("device selection failed: %v", err)
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	}

	captureConfig := audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	}
	captureDevice, err := ctx.NewCapture(selectedDevice, captureConfig)
	if err != nil {
		log.Errorf("capture device init error: %v", err)
		fmt.Printf("Error initializing capture device: %v\n", err)
		os.Exit(1)
	}
	defer captureDevice.Close()

	if !*tuiFlag {
		tuiReadyOnce.Do(func() { close(tuiReady) })
	} else {
		startTUI()
	}

	sigChan := make(chan os.Signal, 1)
	shutdown.Notify(sigChan)
	go func() {
		<-sigChan
		gracefulShutdown()
	}()

	go beep.Init()

	hk := hotkey.New(activeTrigger)
	if err := hk.Register(); err != nil {
		log.Errorf("hotkey register error: %v", err)
		fmt.Printf("Error registering hotkey: %v\n", err)
		os.Exit(1)
	}
	defer hk.Unregister()

	tuiSend(ModeLineMsg{Text: modeLineText()})
	tuiSend(DeviceLineMsg{Text: deviceLineText(selectedDevice)})
	tuiSend(TriggerLineMsg{Trigger: activeTrigger})
	tuiSend(HybridHelpMsg{Enabled: *hybridFlag})

	if *hybridFlag {
		hy := hotkey.NewHybrid(hk, *longPressFlag)
		for {
			select {
			case ev := <-hy.Start():
				log.Info("hotkey_start_" + string(ev.Mode))
				log.Info("recording_device: " + captureDevice.DeviceName())
				tuiSend(RecordingStartMsg{})
				go beep.PlayStart()

				_, err := handleRecording(captureDevice, hy.StopChan(), hy.IsToggle)
				reportRecordingError(err)

			case <-deviceSelectChan:
				handleDeviceSwitch(ctx, captureConfig, &captureDevice, &selectedDevice)
			}
		}
	} else {
		for {
			select {
			case <-hk.Keydown():
				log.Info("hotkey_down")
				tuiSend(RecordingStartMsg{})
				go beep.PlayStart()

				_, err := handleRecording(captureDevice, hk.Keyup(), nil)
				reportRecordingError(err)

			case <-deviceSelectChan:
				handleDeviceSwitch(ctx, captureConfig, &captureDevice, &selectedDevice)
			}
		}
	}
}

func handleDeviceSwitch(ctx audio.Context, captureConfig audio.CaptureConfig, captureDevice *audio.CaptureDevice, selectedDevice **audio.DeviceInfo) {
	if p := tuiProg(); p != nil {
		p.ReleaseTerminal()
	}
	newDevice, err := audio.SelectDevice(ctx)
	if p := tuiProg(); p != nil {
		p.RestoreTerminal()
	}

	if err != nil {
		log.Warnf("device selection failed: %v", err)
		return
	}
	if newDevice == nil {
		return
	}

	log.Info("device_switch: " + newDevice.Name)
	(*captureDevice).Close()
	newCapture, err := ctx.NewCapture(newDevice, captureConfig)
	if err != nil {
		log.Errorf("capture device reinit error: %v", err)
		return
	}
	*captureDevice = newCapture
	*selectedDevice = newDevice
	tuiSend(DeviceLineMsg{Text: deviceLineText(newDevice)})
}

// recording is the outcome of one capture: encoded audio plus the
// numbers the metrics panel wants.
type recording struct {
	data       []byte
	frames     uint64
	rawBytes   int
	encodeTime time.Duration
	autoClosed bool
}

func handleRecording(capture audio.CaptureDevice, stop <-chan struct{}, isToggleFn func() bool) (<-chan struct{}, error) {
	rec, err := record(capture, stop, isToggleFn)
	if err != nil {
		return nil, err
	}
	// Sub-100ms taps are accidental key presses, not speech
	if rec.frames < uint64(encoder.SampleRate/10) {
		return nil, nil
	}

	done := make(chan struct{})
	go func() {
		finishTranscription(rec)
		close(done)
	}()
	return done, nil
}

func finishTranscription(rec *recording) {
	recDur := time.Duration(float64(rec.frames) / float64(encoder.SampleRate) * float64(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	result, err := activeTranscriber.Transcribe(ctx, rec.data, activeFormat)
	if err != nil {
		log.Errorf("transcription error: %v", err)
		logToTUI("Error: %v", err)
		return
	}

	noSpeech := result.Text == ""
	displayText := result.Text
	if noSpeech {
		displayText = "(no speech detected)"
		log.Info("no_speech")
	}

	copied := false
	if !noSpeech && autoPaste && !rec.autoClosed {
		prev, _ := clipboard.Read()
		if clipboard.Copy(result.Text) == nil {
			copied = true
			clipboard.Paste()
		}
		if prev != "" {
			go func() {
				time.Sleep(600 * time.Millisecond)
				clipboard.Copy(prev)
			}()
		}
	}

	record := TranscriptionRecord{
		AudioLengthS:     recDur.Seconds(),
		RawSizeKB:        float64(rec.rawBytes) / 1024,
		CompressedSizeKB: float64(len(rec.data)) / 1024,
		EncodeTimeMs:     float64(rec.encodeTime.Milliseconds()),
		TotalTimeMs:      float64((rec.encodeTime + result.Elapsed).Milliseconds()),
	}
	if rec.rawBytes > 0 {
		record.CompressionPct = 100 * (1 - float64(len(rec.data))/float64(rec.rawBytes))
	}

	transcriptionsMu.Lock()
	transcriptions = append(transcriptions, record)
	updatePercentileStats()
	if !noSpeech {
		lastText = result.Text
	}
	transcriptionsMu.Unlock()

	tuiSend(TranscriptionMsg{
		Text:     displayText,
		Metrics:  metricsLines(record),
		Copied:   copied,
		NoSpeech: noSpeech,
	})

	if result.RateLimit != "" && result.RateLimit != "?/?" {
		log.Info("rate_limit: " + result.RateLimit)
		tuiSend(RateLimitMsg{Text: "requests: " + result.RateLimit + " remaining"})
	}

	log.TranscriptionMetrics(log.Metrics{
		AudioLengthS:     record.AudioLengthS,
		RawSizeKB:        record.RawSizeKB,
		CompressedSizeKB: record.CompressedSizeKB,
		EncodeTimeMs:     record.EncodeTimeMs,
		TotalTimeMs:      record.TotalTimeMs,
	}, activeFormat, activeTranscriber.Name())

	if !noSpeech {
		log.TranscriptionText(result.Text)
	}
}

func metricsLines(r TranscriptionRecord) []string {
	return []string{
		fmt.Sprintf("audio   %.1fs", r.AudioLengthS),
		fmt.Sprintf("size    %.0f KB -> %.0f KB (%.0f%%)", r.RawSizeKB, r.CompressedSizeKB, r.CompressionPct),
		fmt.Sprintf("encode  %.0f ms", r.EncodeTimeMs),
		fmt.Sprintf("total   %.0f ms", r.TotalTimeMs),
	}
}

func record(capture audio.CaptureDevice, stop <-chan struct{}, isToggleFn func() bool) (*recording, error) {
	vp, err := newVADProcessor()
	if err != nil {
		return nil, fmt.Errorf("VAD init: %w", err)
	}

	var bufMu sync.Mutex
	var pcmBuf []byte
	var totalFrames uint64
	var stopped bool
	var autoClosed atomic.Bool
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	capture.SetCallback(func(data []byte, frameCount uint32) {
		bufMu.Lock()
		if stopped {
			bufMu.Unlock()
			return
		}
		totalFrames += uint64(frameCount)
		pcmBuf = append(pcmBuf, data...)
		bufMu.Unlock()

		if len(data) > 1 {
			var sumSquares float64
			for i := 0; i+1 < len(data); i += 2 {
				sample := int16(binary.LittleEndian.Uint16(data[i:]))
				normalized := float64(sample) / 32768.0
				sumSquares += normalized * normalized
			}
			rms := math.Sqrt(sumSquares / float64(len(data)/2))
			tuiSend(AudioLevelMsg{Level: rms})
			vp.Process(data)
		}
	})

	if err := capture.Start(); err != nil {
		capture.ClearCallback()
		return nil, err
	}

	isToggle := func() bool {
		return isToggleFn != nil && isToggleFn()
	}

	mon := newSilenceMonitor(isToggle)
	recordStart := time.Now()
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tuiSend(RecordingTickMsg{Duration: time.Since(recordStart).Seconds()})
				switch mon.Tick(vp.HasSpeechTick()) {
				case SilenceWarn:
					log.Info("no_voice_warning")
					tuiSend(NoVoiceWarningMsg{})
					beep.PlayError()
				case SilenceWarnClear:
					tuiSend(VoiceClearedMsg{})
				case SilenceRepeat:
					log.Info("silence_during_warning")
					tuiSend(NoVoiceWarningMsg{})
					beep.PlayError()
				case SilenceAutoClose:
					log.Info("silence_auto_close")
					tuiSend(RecordingStopMsg{})
					go beep.PlayEnd()
					time.Sleep(recordTail)
					autoClosed.Store(true)
					closeDone()
					return
				}
			}
		}
	}()

	go func() {
		select {
		case <-stop:
		case <-done:
			return
		}
		log.Info("recording_stop")
		tuiSend(RecordingStopMsg{})
		go beep.PlayEnd()
		closeDone()
	}()
	<-done

	capture.Stop()
	capture.ClearCallback()

	bufMu.Lock()
	stopped = true
	raw := pcmBuf
	frames := totalFrames
	bufMu.Unlock()

	data, encodeTime, err := encodePCM(raw)
	if err != nil {
		return nil, err
	}

	return &recording{
		data:       data,
		frames:     frames,
		rawBytes:   len(raw),
		encodeTime: encodeTime,
		autoClosed: autoClosed.Load(),
	}, nil
}

func encodePCM(raw []byte) ([]byte, time.Duration, error) {
	start := time.Now()

	enc, err := encoder.NewFlac()
	if err != nil {
		return nil, 0, err
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	for off := 0; off < len(samples); off += encoder.BlockSize {
		end := off + encoder.BlockSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := enc.EncodeBlock(samples[off:end]); err != nil {
			return nil, 0, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, 0, err
	}

	return enc.Bytes(), time.Since(start), nil
}

func updatePercentileStats() {
	n := len(transcriptions)
	if n == 0 {
		return
	}

	extract := func(fn func(TranscriptionRecord) float64) []float64 {
		vals := make([]float64, n)
		for i, r := range transcriptions {
			vals[i] = fn(r)
		}
		sort.Float64s(vals)
		return vals
	}

	percentile := func(sorted []float64, p float64) float64 {
		idx := int(float64(len(sorted)-1) * p)
		return sorted[idx]
	}

	calcStats := func(sorted []float64) [5]float64 {
		return [5]float64{
			sorted[0],
			percentile(sorted, 0.50),
			percentile(sorted, 0.90),
			percentile(sorted, 0.95),
			sorted[len(sorted)-1],
		}
	}

	percentileStats.TotalMs = calcStats(extract(func(r TranscriptionRecord) float64 { return r.TotalTimeMs }))
	percentileStats.EncodeMs = calcStats(extract(func(r TranscriptionRecord) float64 { return r.EncodeTimeMs }))
	percentileStats.CompPct = calcStats(extract(func(r TranscriptionRecord) float64 { return r.CompressionPct }))
}

func runBenchmark(wavFile string, runs int) {
	fmt.Printf("Benchmark: %s (%d runs)\n", wavFile, runs)

	data, err := os.ReadFile(wavFile)
	if err != nil {
		fmt.Printf("Error reading file: %v\n", err)
		return
	}
	if len(data) < audio.WAVHeaderSize {
		fmt.Println("Error: invalid WAV file")
		return
	}
	pcm := data[audio.WAVHeaderSize:]
	audioDuration := float64(len(pcm)/2) / float64(encoder.SampleRate)

	for i := 1; i <= runs; i++ {
		fmt.Printf("=== Run %d ===\n", i)
		fmt.Printf("Simulating %.1fs recording...\n", audioDuration)

		encoded, encodeTime, err := encodePCM(pcm)
		if err != nil {
			fmt.Printf("Error encoding: %v\n", err)
			return
		}

		result, err := activeTranscriber.Transcribe(context.Background(), encoded, activeFormat)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}

		displayText := result.Text
		if displayText == "" {
			displayText = "(no speech detected)"
		}
		fmt.Printf("Text: %s\n", displayText)
		fmt.Printf("  encode %v, upload %d KB, round trip %v\n",
			encodeTime.Round(time.Millisecond), result.UploadBytes/1024, result.Elapsed.Round(time.Millisecond))
		fmt.Println()

		if i < runs {
			time.Sleep(500 * time.Millisecond)
		}
	}
}
