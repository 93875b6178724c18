package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/appfoundry/appfoundry/internal/billing"
	"github.com/appfoundry/appfoundry/internal/crypto"
	"github.com/appfoundry/appfoundry/pkg/models"
)

func newPopulatePlansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "populate-subscription-plans",
		Short: "Seed or refresh the default subscription plan catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			if err := billing.PopulatePlans(ctx, deps.store); err != nil {
				return err
			}
			plans, err := deps.store.ListPlans(ctx)
			if err != nil {
				return err
			}
			for _, plan := range plans {
				fmt.Fprintf(cmd.OutOrStdout(), "plan %-10s id=%s public=%t\n", plan.Name, plan.ID, plan.IsPublic)
			}
			return nil
		},
	}
}

func newCreateAPIKeyCommand() *cobra.Command {
	var agentID string

	cmd := &cobra.Command{
		Use:   "create-random-api-key",
		Short: "Generate and store a random API key for an agent",
		Long:  "Generates a random key, stores its hash, HMAC and an encrypted copy, and prints the plaintext once. The plaintext cannot be recovered later outside local mode.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := uuid.Parse(agentID)
			if err != nil {
				return fmt.Errorf("invalid agent id: %w", err)
			}

			deps, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			agent, err := deps.store.GetAgent(ctx, id)
			if err != nil {
				return err
			}

			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			plaintext := hex.EncodeToString(raw)

			encrypted, err := deps.cipher.Encrypt([]byte(plaintext))
			if err != nil {
				return fmt.Errorf("encrypt key: %w", err)
			}

			now := time.Now().UTC()
			key := &models.APIKey{
				ID:           uuid.New(),
				AgentID:      agent.ID,
				KeyHash:      crypto.SHA256Hex(plaintext),
				KeyEncrypted: encrypted,
				KeyHMAC:      crypto.HMACSHA256(plaintext, deps.cfg.Auth.APIKeyHashSecret),
				Status:       models.APIKeyStatusActive,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := deps.store.CreateAPIKey(ctx, key); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "agent:   %s (%s)\n", agent.Name, agent.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "key id:  %s\n", key.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "api key: %s\n", plaintext)
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "Agent the key belongs to (required)")
	cmd.MarkFlagRequired("agent-id")
	return cmd
}
