package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/dwelldesk/coord/coord"
)

const CoordCtlVersion = "0.0.1"

const DefaultGatewayUrl = "wss://gateway.dwelldesk.com"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Coordination control.

The default gateway url is:
    gateway_url: ` + DefaultGatewayUrl + `

Usage:
    coordctl tail [--gateway_url=<gateway_url>] --jwt=<jwt>
        (--landlord=<landlord_id> --tenant=<tenant_id> |
            --ticket=<ticket_id> --contractor=<contractor_id>)
        [--message_count=<message_count>]
    coordctl send [--gateway_url=<gateway_url>] --jwt=<jwt>
        --landlord=<landlord_id>
        --tenant=<tenant_id>
        <message>
    coordctl send-ticket [--gateway_url=<gateway_url>] --jwt=<jwt>
        --ticket=<ticket_id>
        --receiver=<receiver_id>
        <message>
    coordctl mark-read [--gateway_url=<gateway_url>] --jwt=<jwt> <message_id>...
    coordctl request-connection [--gateway_url=<gateway_url>] --jwt=<jwt>
        --landlord=<landlord_id>
        --tenant=<tenant_id>
    coordctl respond-connection [--gateway_url=<gateway_url>] --jwt=<jwt>
        --landlord=<landlord_id>
        --tenant=<tenant_id>
        (--confirm | --reject)

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --gateway_url=<gateway_url>
    --jwt=<jwt>                      Your gateway JWT.
    --landlord=<landlord_id>
    --tenant=<tenant_id>
    --ticket=<ticket_id>
    --contractor=<contractor_id>
    --receiver=<receiver_id>
    --message_count=<message_count>  Print this many messages then exit.
    --confirm
    --reject`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CoordCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if sendTicket_, _ := opts.Bool("send-ticket"); sendTicket_ {
		sendTicket(opts)
	} else if markRead_, _ := opts.Bool("mark-read"); markRead_ {
		markRead(opts)
	} else if requestConnection_, _ := opts.Bool("request-connection"); requestConnection_ {
		requestConnection(opts)
	} else if respondConnection_, _ := opts.Bool("respond-connection"); respondConnection_ {
		respondConnection(opts)
	}
}

func newStore(ctx context.Context, opts docopt.Opts) (*coord.GatewayStore, *coord.ParticipantJwt) {
	jwt, _ := opts.String("--jwt")

	participant, err := coord.ParseParticipantJwtUnverified(jwt)
	if err != nil {
		Err.Fatalf("Invalid jwt (%s).\n", err)
	}

	gatewayUrl, err := opts.String("--gateway_url")
	if err != nil || gatewayUrl == "" {
		gatewayUrl = DefaultGatewayUrl
	}

	auth := &coord.ClientAuth{
		ByJwt:      jwt,
		InstanceId: coord.NewId(),
		AppVersion: "coordctl " + CoordCtlVersion,
	}
	return coord.NewGatewayStoreWithDefaults(ctx, gatewayUrl, auth), participant
}

// print a live merged view of one conversation or ticket thread
func tail(opts docopt.Opts) {
	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, _ := newStore(cancelCtx, opts)
	defer store.Close()

	var engine *coord.MergeEngine[*coord.Message]
	if landlordId, _ := opts.String("--landlord"); landlordId != "" {
		tenantId, _ := opts.String("--tenant")
		engine = coord.NewConversationStream(cancelCtx, store, landlordId, tenantId)
	} else {
		ticketId, _ := opts.String("--ticket")
		contractorId, _ := opts.String("--contractor")
		engine = coord.NewTicketThreadStream(cancelCtx, store, ticketId, contractorId)
	}
	defer engine.Close()

	engine.AddStateCallback(func(state coord.StreamState) {
		Err.Printf("stream %s\n", state)
	})

	snapshots := make(chan []*coord.Message, 32)
	unsub := engine.Subscribe(func(messages []*coord.Message) {
		select {
		case snapshots <- messages:
		default:
		}
	})
	defer unsub()

	printed := map[string]bool{}
	for messages := range snapshots {
		for _, message := range messages {
			if printed[message.Id] {
				continue
			}
			printed[message.Id] = true
			Out.Printf(
				"%s %s <%s> %s",
				message.Timestamp,
				message.SenderRole,
				message.SenderId,
				message.Text,
			)
			if 0 <= messageCount && messageCount <= len(printed) {
				return
			}
		}
	}
}

func send(opts docopt.Opts) {
	landlordId, _ := opts.String("--landlord")
	tenantId, _ := opts.String("--tenant")
	text, _ := opts.String("<message>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, participant := newStore(cancelCtx, opts)
	defer store.Close()

	message, err := coord.SendDirectMessage(cancelCtx, store, &coord.DirectMessageArgs{
		LandlordId:        landlordId,
		TenantId:          tenantId,
		SenderId:          participant.ParticipantId,
		SenderDisplayName: participant.DisplayName,
		Text:              text,
	})
	if err != nil {
		Err.Fatalf("Send failed (%s).\n", err)
	}
	Out.Printf("%s", message.Id)
}

func sendTicket(opts docopt.Opts) {
	ticketId, _ := opts.String("--ticket")
	receiverId, _ := opts.String("--receiver")
	text, _ := opts.String("<message>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, participant := newStore(cancelCtx, opts)
	defer store.Close()

	message, err := coord.SendTicketMessage(cancelCtx, store, &coord.TicketMessageArgs{
		TicketId:          ticketId,
		SenderId:          participant.ParticipantId,
		ReceiverId:        receiverId,
		SenderDisplayName: participant.DisplayName,
		SenderRole:        participant.Role,
		Text:              text,
	})
	if err != nil {
		Err.Fatalf("Send failed (%s).\n", err)
	}
	Out.Printf("%s", message.Id)
}

func markRead(opts docopt.Opts) {
	messageIds, _ := opts["<message_id>"].([]string)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, participant := newStore(cancelCtx, opts)
	defer store.Close()

	tracker := coord.NewReadReceiptTracker(store)
	result := tracker.MarkRead(cancelCtx, messageIds, participant.ParticipantId)
	for messageId, err := range result.Failed {
		Err.Printf("%s not marked (%s)\n", messageId, err)
	}
	if !result.AllOk() {
		os.Exit(1)
	}
}

func requestConnection(opts docopt.Opts) {
	landlordId, _ := opts.String("--landlord")
	tenantId, _ := opts.String("--tenant")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, participant := newStore(cancelCtx, opts)
	defer store.Close()

	engine := coord.NewConnectionStream(cancelCtx, store, participant.ParticipantId)
	defer engine.Close()

	machine := coord.NewConnectionMachine(store, engine)
	connection, err := machine.Create(cancelCtx, landlordId, tenantId, participant.ParticipantId)
	if err != nil {
		Err.Fatalf("Request failed (%s).\n", err)
	}
	Out.Printf("%s %s", connection.Id, connection.Status)
}

func respondConnection(opts docopt.Opts) {
	landlordId, _ := opts.String("--landlord")
	tenantId, _ := opts.String("--tenant")

	next := coord.ConnectionStatusRejected
	if confirm_, _ := opts.Bool("--confirm"); confirm_ {
		next = coord.ConnectionStatusConnected
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, participant := newStore(cancelCtx, opts)
	defer store.Close()

	engine := coord.NewConnectionStream(cancelCtx, store, participant.ParticipantId)
	defer engine.Close()

	// wait for the merged view before judging the transition stale
	live := make(chan struct{}, 1)
	unsub := engine.AddStateCallback(func(state coord.StreamState) {
		if state == coord.StreamStateLive {
			select {
			case live <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()
	if engine.State() != coord.StreamStateLive {
		select {
		case <-live:
		case <-time.After(30 * time.Second):
			Err.Fatalf("Timeout waiting for the connection view.\n")
		}
	}

	machine := coord.NewConnectionMachine(store, engine)
	err := machine.Transition(
		cancelCtx,
		participant.ParticipantId,
		coord.ConnectionId(landlordId, tenantId),
		coord.ConnectionStatusPending,
		next,
	)
	if err != nil {
		if coord.IsStaleTransition(err) {
			Err.Fatalf("Already responded (%s).\n", err)
		}
		Err.Fatalf("Respond failed (%s).\n", err)
	}
	Out.Printf("%s", next)
}
