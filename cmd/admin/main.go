package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/ruteri/actuation-gate/api/clients"
	"github.com/ruteri/actuation-gate/consensus"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/urfave/cli/v2"
)

var flagGateServer = &cli.StringFlag{
	Name:  "gate-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "Gate server address",
}
var flagAdminPrivkey = &cli.StringFlag{
	Name:  "admin-privkey-file",
	Value: "admin-private.pem",
	Usage: "Path to admin private key",
}
var flagAdminPubkey = &cli.StringFlag{
	Name:  "admin-pubkey-file",
	Value: "admin-public.pem",
	Usage: "Path to admin public key",
}
var flagAdminID = &cli.StringFlag{
	Name:  "admin-id",
	Usage: "Admin id; defaults to the fingerprint of the admin public key",
}
var flagSharesFile = &cli.StringFlag{
	Name:  "shares-file",
	Value: "recovery-shares.json",
	Usage: "Path to the sealed recovery shares file",
}
var flagThreshold = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "Shamir threshold",
}
var flagTargetID = &cli.UintFlag{
	Name:     "target-id",
	Required: true,
}

// adminFlags are needed by every signed command.
var adminFlags = []cli.Flag{flagGateServer, flagAdminPrivkey, flagAdminPubkey, flagAdminID}

func withAdminFlags(fs ...cli.Flag) []cli.Flag {
	return append(append([]cli.Flag{}, adminFlags...), fs...)
}

// adminClient builds a signed client from the admin key files.
func adminClient(cCtx *cli.Context) (*clients.AdminClient, error) {
	privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
	if err != nil {
		return nil, err
	}
	privateKey, err := cryptoutils.PrivateKeyPEM(privateKeyPEM).ECDSA()
	if err != nil {
		return nil, err
	}

	adminID, err := adminIdentity(cCtx)
	if err != nil {
		return nil, err
	}
	return clients.NewAdminClient(cCtx.String(flagGateServer.Name), adminID, privateKey), nil
}

func adminIdentity(cCtx *cli.Context) (string, error) {
	if adminID := cCtx.String(flagAdminID.Name); adminID != "" {
		return adminID, nil
	}
	publicKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPubkey.Name))
	if err != nil {
		return "", err
	}
	return cryptoutils.PublicKeyPEM(publicKeyPEM).Fingerprint()
}

type keyEntry struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

func main() {
	app := &cli.App{
		Name:           "admin",
		Usage:          "Administer an actuation gate",
		DefaultCommand: "status",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "Show bootstrap and lockdown state",
				Flags: adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					status, err := client.Status(cCtx.Context)
					if err != nil {
						return err
					}
					gateStatus, err := clients.NewGateClient(cCtx.String(flagGateServer.Name)).Status(cCtx.Context)
					if err != nil {
						var apiErr *clients.APIError
						if !errors.As(err, &apiErr) {
							return err
						}
					}

					return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
						{"Field", "Value"},
						{"Master key", status.MasterKeyID},
						{"Running", strconv.FormatBool(status.Running)},
						{"Recovering", fmt.Sprintf("%t (%d/%d shares)", status.Recovering, status.SharesReceived, status.RecoveryThreshold)},
						{"Locked", fmt.Sprintf("%t %s", status.Locked, status.LockReason)},
						{"Ledger height", strconv.FormatUint(gateStatus.LedgerHeight, 10)},
						{"Pending transactions", strconv.Itoa(gateStatus.Pending)},
						{"Open decisions", strconv.Itoa(gateStatus.OpenDecisions)},
						{"Parked commands", strconv.Itoa(gateStatus.Parked)},
						{"Targets", strconv.Itoa(gateStatus.Targets)},
						{"Live keys", strconv.Itoa(gateStatus.LiveKeys)},
						{"Rotation due", strconv.FormatBool(gateStatus.RotationOverdue)},
					}).Render()
				},
			},
			{
				Name:  "generate-keypair",
				Usage: "Generate an admin or voter P-256 keypair",
				Flags: []cli.Flag{flagAdminPrivkey, flagAdminPubkey},
				Action: func(cCtx *cli.Context) error {
					publicKeyPEM, privateKeyPEM, err := cryptoutils.RandomP256Keypair()
					if err != nil {
						return fmt.Errorf("failed to generate ECDSA key: %w", err)
					}
					if err := os.WriteFile(cCtx.String(flagAdminPrivkey.Name), privateKeyPEM, 0600); err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagAdminPubkey.Name), publicKeyPEM, 0600); err != nil {
						return err
					}
					fingerprint, err := publicKeyPEM.Fingerprint()
					if err != nil {
						return err
					}
					pterm.Success.Printfln("Keypair written, id %s", fingerprint)
					return nil
				},
			},
			{
				Name:  "generate-config",
				Usage: "Write an admins or voters file from public key files",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "section", Value: "admins", Usage: "'admins' or 'voters'"},
					&cli.StringFlag{Name: "out", Value: "admins.json"},
					&cli.StringSliceFlag{Name: "pubkey-files", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					section := cCtx.String("section")
					if section != "admins" && section != "voters" {
						return fmt.Errorf("invalid section %q", section)
					}

					var entries []keyEntry
					for _, file := range cCtx.StringSlice("pubkey-files") {
						publicKeyPEM, err := os.ReadFile(file)
						if err != nil {
							return err
						}
						id, err := cryptoutils.PublicKeyPEM(publicKeyPEM).Fingerprint()
						if err != nil {
							return fmt.Errorf("%s: %w", file, err)
						}
						entries = append(entries, keyEntry{ID: id, PubKey: string(publicKeyPEM)})
					}

					configBytes, err := json.MarshalIndent(map[string][]keyEntry{section: entries}, "", "  ")
					if err != nil {
						return err
					}
					return os.WriteFile(cCtx.String("out"), configBytes, 0600)
				},
			},
			{
				Name:  "export-shares",
				Usage: "Split the running master key into sealed shares, one per admin",
				Flags: withAdminFlags(flagSharesFile, flagThreshold),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					sealed, err := client.ExportShares(cCtx.Context, cCtx.Int(flagThreshold.Name))
					if err != nil {
						return err
					}
					encoded := make(map[string]string, len(sealed))
					for adminID, share := range sealed {
						encoded[adminID] = base64.StdEncoding.EncodeToString(share)
					}
					data, err := json.MarshalIndent(encoded, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(cCtx.String(flagSharesFile.Name), data, 0600); err != nil {
						return err
					}
					pterm.Success.Printfln("Exported %d sealed shares", len(sealed))
					return nil
				},
			},
			{
				Name:  "start-recovery",
				Usage: "Open a master key recovery on a gate without a master key",
				Flags: withAdminFlags(flagThreshold),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					if err := client.StartRecovery(cCtx.Context, cCtx.Int(flagThreshold.Name)); err != nil {
						return err
					}
					pterm.Success.Println("Recovery started")
					return nil
				},
			},
			{
				Name:  "submit-share",
				Usage: "Decrypt this admin's share from the shares file and submit it",
				Flags: withAdminFlags(flagSharesFile),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					adminID, err := adminIdentity(cCtx)
					if err != nil {
						return err
					}

					data, err := os.ReadFile(cCtx.String(flagSharesFile.Name))
					if err != nil {
						return err
					}
					var encoded map[string]string
					if err := json.Unmarshal(data, &encoded); err != nil {
						return err
					}
					sealed, err := base64.StdEncoding.DecodeString(encoded[adminID])
					if err != nil || len(sealed) == 0 {
						return fmt.Errorf("no share for admin %s", adminID)
					}

					privateKeyPEM, err := os.ReadFile(cCtx.String(flagAdminPrivkey.Name))
					if err != nil {
						return err
					}
					share, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, sealed)
					if err != nil {
						return err
					}
					defer cryptoutils.Wipe(share)

					progress, err := client.SubmitShare(cCtx.Context, share)
					if err != nil {
						return err
					}
					if progress.Recovered {
						pterm.Success.Println("Master key recovered")
					} else {
						pterm.Info.Printfln("Share accepted, %d/%d", progress.Received, progress.Threshold)
					}
					return nil
				},
			},
			{
				Name:  "authorize-target",
				Usage: "Authorize a target",
				Flags: withAdminFlags(
					flagTargetID,
					&cli.Float64Flag{Name: "x"},
					&cli.Float64Flag{Name: "y"},
					&cli.Float64Flag{Name: "z"},
					&cli.Float64Flag{Name: "radius", Required: true},
					&cli.UintFlag{Name: "swarm-id"},
					&cli.StringFlag{Name: "kind"},
				),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					target, err := client.AuthorizeTarget(cCtx.Context, interfaces.Target{
						ID:              uint32(cCtx.Uint(flagTargetID.Name)),
						Position:        interfaces.Position{X: cCtx.Float64("x"), Y: cCtx.Float64("y"), Z: cCtx.Float64("z")},
						PrecisionRadius: cCtx.Float64("radius"),
						SwarmID:         uint32(cCtx.Uint("swarm-id")),
						Kind:            cCtx.String("kind"),
					})
					if err != nil {
						return err
					}
					pterm.Success.Printfln("Target %d authorized, signed by %s", target.ID, target.SignerKeyID)
					return nil
				},
			},
			{
				Name:  "revoke-target",
				Usage: "Revoke a target",
				Flags: withAdminFlags(flagTargetID),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					return client.RevokeTarget(cCtx.Context, uint32(cCtx.Uint(flagTargetID.Name)))
				},
			},
			{
				Name:  "targets",
				Usage: "List authorized targets",
				Flags: []cli.Flag{flagGateServer},
				Action: func(cCtx *cli.Context) error {
					list, err := clients.NewGateClient(cCtx.String(flagGateServer.Name)).Targets(cCtx.Context)
					if err != nil {
						return err
					}
					data := pterm.TableData{{"ID", "Swarm", "Position", "Radius", "Kind", "Signer"}}
					for _, t := range list {
						data = append(data, []string{
							strconv.FormatUint(uint64(t.ID), 10),
							strconv.FormatUint(uint64(t.SwarmID), 10),
							fmt.Sprintf("(%g, %g, %g)", t.Position.X, t.Position.Y, t.Position.Z),
							strconv.FormatFloat(t.PrecisionRadius, 'g', -1, 64),
							t.Kind,
							t.SignerKeyID,
						})
					}
					return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
				},
			},
			{
				Name:  "rotate-keys",
				Usage: "Rotate the master key",
				Flags: adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					info, err := client.RotateKeys(cCtx.Context)
					if err != nil {
						return err
					}
					pterm.Success.Printfln("Master key rotated, new key %s", info.ID)
					return nil
				},
			},
			{
				Name:  "key-history",
				Usage: "List retired keys",
				Flags: adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					history, err := client.KeyHistory(cCtx.Context)
					if err != nil {
						return err
					}
					data := pterm.TableData{{"ID", "Owner", "Ephemeral", "Retired", "Reason"}}
					for _, k := range history {
						data = append(data, []string{
							k.ID,
							strconv.FormatUint(uint64(k.OwnerID), 10),
							strconv.FormatBool(k.Ephemeral),
							k.RetiredAt.Format(time.RFC3339),
							k.Reason,
						})
					}
					return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
				},
			},
			{
				Name:  "lockdown",
				Usage: "Stop all command execution",
				Flags: withAdminFlags(&cli.StringFlag{Name: "reason", Required: true}),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					if err := client.Lockdown(cCtx.Context, cCtx.String("reason")); err != nil {
						return err
					}
					pterm.Warning.Println("Gate locked down")
					return nil
				},
			},
			{
				Name:  "release-lockdown",
				Usage: "Lift a lockdown",
				Flags: adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					if err := client.ReleaseLockdown(cCtx.Context); err != nil {
						return err
					}
					pterm.Success.Println("Lockdown released")
					return nil
				},
			},
			{
				Name:  "snapshot",
				Usage: "Persist the gate state now",
				Flags: adminFlags,
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					m, err := client.Snapshot(cCtx.Context)
					if err != nil {
						return err
					}
					pterm.Success.Printfln("Snapshot saved: height %d, %d targets, chain %s", m.ChainHeight, m.TargetCount, m.Chain)
					return nil
				},
			},
			{
				Name:  "audit",
				Usage: "Show retained audit records",
				Flags: withAdminFlags(&cli.StringFlag{Name: "event", Usage: "only records of this event type"}),
				Action: func(cCtx *cli.Context) error {
					client, err := adminClient(cCtx)
					if err != nil {
						return err
					}
					records, err := client.Audit(cCtx.Context, cCtx.String("event"))
					if err != nil {
						return err
					}
					data := pterm.TableData{{"Time", "Event", "Actor", "Outcome", "Decision"}}
					for _, r := range records {
						data = append(data, []string{r.Timestamp.Format(time.RFC3339), r.Event, r.Actor, r.Outcome, r.DecisionHash})
					}
					return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
				},
			},
			{
				Name:  "vote",
				Usage: "Cast a signed consensus vote",
				Flags: []cli.Flag{
					flagGateServer,
					&cli.StringFlag{Name: "voter-id", Required: true},
					&cli.StringFlag{Name: "voter-privkey-file", Required: true},
					&cli.StringFlag{Name: "decision", Required: true, Usage: "hex decision hash"},
					&cli.BoolFlag{Name: "approve"},
					&cli.BoolFlag{Name: "veto", Usage: "reject with an ethical veto"},
					&cli.Float64Flag{Name: "confidence", Value: 1},
					&cli.StringFlag{Name: "reasoning"},
				},
				Action: func(cCtx *cli.Context) error {
					privateKeyPEM, err := os.ReadFile(cCtx.String("voter-privkey-file"))
					if err != nil {
						return err
					}
					key, err := cryptoutils.PrivateKeyPEM(privateKeyPEM).ECDSA()
					if err != nil {
						return err
					}
					decision, err := interfaces.HashFromHex(cCtx.String("decision"))
					if err != nil {
						return err
					}
					if cCtx.Bool("veto") && cCtx.Bool("approve") {
						return errors.New("a veto cannot approve")
					}

					vote, err := consensus.SignVote(interfaces.Vote{
						ID:           uuid.NewString(),
						VoterID:      cCtx.String("voter-id"),
						DecisionHash: decision,
						Approve:      cCtx.Bool("approve"),
						Confidence:   cCtx.Float64("confidence"),
						Reasoning:    cCtx.String("reasoning"),
						Timestamp:    time.Now().UTC(),
						EthicalVeto:  cCtx.Bool("veto"),
					}, key)
					if err != nil {
						return err
					}
					state, err := clients.NewGateClient(cCtx.String(flagGateServer.Name)).Vote(cCtx.Context, vote)
					if err != nil {
						return err
					}
					pterm.Info.Printfln("Vote recorded, decision is %s", state)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
