// Command tutor is a terminal client for the lingua-live relay. Text lines
// become text turns; :rec toggles a microphone recording that is sent as one
// audio turn and the synthesized reply is played back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"lingua-live/activity"
	"lingua-live/capture"
	"lingua-live/chat"
	"lingua-live/dispatch"
	"lingua-live/faults"
	"lingua-live/keystore"
	"lingua-live/pcm"
	"lingua-live/playback"
	"lingua-live/state"
)

const welcomeMessage = "Hi! I'm your language tutor. Send me a message or record one with :rec and we'll practice together."

const helpText = `commands:
  :rec           start/stop a voice recording
  :key <value>   save your API key
  :lang <name>   set the language you are learning
  :native <name> set your native language
  :log           show recent activity
  :status        show session state
  :quit          exit
anything else is sent to the tutor as text.`

type client struct {
	dispatcher *dispatch.Dispatcher
	conv       *chat.Conversation
	st         *state.Machine
	events     *activity.Log
	store      *keystore.Store
	mic        *capture.Session
	player     *playback.Player

	credential string
	target     string
	native     string
}

func main() {
	server := flag.String("server", "http://localhost:8080", "relay base URL")
	target := flag.String("target", "Spanish", "language to practice")
	native := flag.String("native", "English", "explanation language")
	flag.Parse()

	store, err := keystore.Open()
	if err != nil {
		log.Fatalf("❌ keystore: %v", err)
	}
	credential, err := store.Credential()
	if err != nil {
		log.Fatalf("❌ keystore: %v", err)
	}

	st := state.New(nil)
	events := activity.New(0)
	c := &client{
		dispatcher: dispatch.New(*server, st, events),
		conv:       chat.New(welcomeMessage),
		st:         st,
		events:     events,
		store:      store,
		mic:        capture.New(),
		player:     playback.New(),
		credential: credential,
		target:     *target,
		native:     *native,
	}

	fmt.Printf("tutor> %s\n", welcomeMessage)
	if c.credential == "" {
		fmt.Println("(no API key saved yet, set one with :key <value>)")
	}
	fmt.Println(helpText)

	c.run(bufio.NewScanner(os.Stdin))
}

func (c *client) run(scanner *bufio.Scanner) {
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == ":quit" || line == ":q":
			return
		case line == ":rec":
			c.toggleRecording()
		case strings.HasPrefix(line, ":key "):
			c.setCredential(strings.TrimSpace(strings.TrimPrefix(line, ":key ")))
		case strings.HasPrefix(line, ":lang "):
			c.target = strings.TrimSpace(strings.TrimPrefix(line, ":lang "))
			fmt.Printf("practicing %s\n", c.target)
		case strings.HasPrefix(line, ":native "):
			c.native = strings.TrimSpace(strings.TrimPrefix(line, ":native "))
			fmt.Printf("explanations in %s\n", c.native)
		case line == ":log":
			c.printLog()
		case line == ":status":
			c.printStatus()
		case strings.HasPrefix(line, ":"):
			fmt.Println(helpText)
		default:
			c.sendText(line)
		}
	}
}

func (c *client) setCredential(value string) {
	if value == "" {
		fmt.Println("usage: :key <value>")
		return
	}
	if err := c.store.SetCredential(value); err != nil {
		fmt.Printf("⚠️ could not save the key: %v\n", err)
		return
	}
	c.credential = value
	fmt.Println("🔑 API key saved")
}

// turn builds the per-turn parameters. The history snapshot is taken before
// the outgoing message is appended so the in-flight message never travels
// twice.
func (c *client) turn() dispatch.Turn {
	return dispatch.Turn{
		Credential:     c.credential,
		TargetLanguage: c.target,
		NativeLanguage: c.native,
		History:        c.conv.History(),
	}
}

// ready guards against overlapping turns. One turn at a time; the recording
// flag is handled by toggleRecording itself.
func (c *client) ready() bool {
	if c.credential == "" {
		fmt.Println("set an API key first with :key <value>")
		return false
	}
	if !c.st.Snapshot().Idle() {
		fmt.Println("still working on the previous turn, hold on")
		return false
	}
	return true
}

func (c *client) sendText(text string) {
	if !c.ready() {
		return
	}

	turn := c.turn()
	c.conv.Append(chat.RoleUser, text, false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	reply, err := c.dispatcher.TextTurn(ctx, turn, text)
	if err != nil {
		c.presentError(err)
		return
	}
	c.conv.Append(chat.RoleModel, reply, false)
	fmt.Printf("tutor> %s\n", reply)
}

func (c *client) toggleRecording() {
	if c.mic.Recording() {
		c.finishRecording()
		return
	}

	if !c.ready() {
		return
	}
	if err := c.mic.Start(); err != nil {
		c.presentError(err)
		return
	}
	c.st.SetRecording(true)
	fmt.Println("🎙️ recording, :rec again to send")
	go c.showLevel()
}

// showLevel paints a small level meter while the microphone is live.
func (c *client) showLevel() {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if !c.mic.Recording() {
			return
		}
		width := int(c.mic.Level() * 40)
		if width > 40 {
			width = 40
		}
		fmt.Printf("\r[%-40s]", strings.Repeat("█", width))
	}
}

func (c *client) finishRecording() {
	samples, err := c.mic.Stop()
	c.st.SetRecording(false)
	fmt.Print("\r" + strings.Repeat(" ", 44) + "\r")
	if err != nil {
		c.presentError(err)
		return
	}
	if len(samples) == 0 {
		fmt.Println("nothing captured")
		return
	}

	turn := c.turn()
	c.conv.Append(chat.RoleUser, "[voice message]", true)
	c.sendAudio(turn, pcm.EncodeChunk(samples))
}

func (c *client) sendAudio(turn dispatch.Turn, encoded string) {
	fmt.Println("⏳ sending your recording...")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	chunks, rate, err := c.dispatcher.AudioTurn(ctx, turn, encoded)
	if err != nil {
		c.presentError(err)
		return
	}
	c.conv.Append(chat.RoleModel, "[voice reply]", true)

	samples, err := playback.DecodeChunks(chunks)
	if err != nil {
		c.presentError(err)
		return
	}
	fmt.Printf("🔊 playing %v of audio\n", playback.Duration(len(samples), rate).Round(100*time.Millisecond))

	c.st.SetPlayingAudio(true)
	err = c.player.Play(chunks, rate)
	c.st.SetPlayingAudio(false)
	if err != nil {
		c.presentError(err)
	}
}

// presentError turns a fault into a one-line hint. Every failure also sits
// in the activity log already, put there by the component that caught it.
func (c *client) presentError(err error) {
	switch faults.KindOf(err) {
	case faults.PermissionDenied:
		fmt.Println("⚠️ microphone unavailable, check the input device and permissions")
	case faults.InvalidCredential:
		fmt.Println("⚠️ your API key was rejected, save a new one with :key <value>")
	case faults.Timeout:
		fmt.Println("⚠️ the tutor did not respond in time, try again")
	case faults.Playback:
		fmt.Println("⚠️ audio output failed, check the output device")
	default:
		fmt.Printf("⚠️ %v\n", err)
	}
}

func (c *client) printLog() {
	entries := c.events.Entries()
	if len(entries) == 0 {
		fmt.Println("no activity yet")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-5s  %s\n", e.Timestamp.Format("15:04:05"), e.Kind, e.Message)
	}
}

func (c *client) printStatus() {
	snap := c.st.Snapshot()
	fmt.Printf("connected=%v loading=%v recording=%v processing=%v playing=%v\n",
		snap.Connected, snap.Loading, snap.Recording, snap.ProcessingAudio, snap.PlayingAudio)
}
