package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/NOVA-ALLRounder/main-sub001/internal/config"
)

const defaultPolicyFile = `# Steward policy. Deny rules are absolute; allow rules only skip the
# write lock for caution-tier actions. Critical actions always need a human.
write_lock: true
allow:
  - name: executable-scripts
    kinds: [shell_exec]
    targets: ["chmod +x ./scripts/*"]
deny:
  - name: system-directories
    kinds: [file_delete]
    targets: ["/etc/*", "/usr/*", "/bin/*", "/System/*"]
host_processes:
  - steward
`

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Steward configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()

	dirs := []string{
		config.ConfigDir(),
		cfg.WorkspacePath(),
		filepath.Join(cfg.WorkspacePath(), "state"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	secret, err := randomHex(32)
	if err != nil {
		return fmt.Errorf("generate transport secret: %w", err)
	}
	token, err := randomHex(16)
	if err != nil {
		return fmt.Errorf("generate gateway token: %w", err)
	}
	cfg.Transport.Secret = secret
	cfg.Gateway.Token = token

	policyPath := filepath.Join(config.ConfigDir(), "policy.yaml")
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		if err := os.WriteFile(policyPath, []byte(defaultPolicyFile), 0644); err != nil {
			return fmt.Errorf("write policy file: %w", err)
		}
	}
	cfg.Policy.File = policyPath

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Steward initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("Policy: %s\n", policyPath)
	fmt.Printf("Workspace: %s\n", cfg.WorkspacePath())
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to add a planner API key\n", configPath)
	fmt.Printf("2. Run 'steward executor' in one terminal\n")
	fmt.Printf("3. Run 'steward run' in another\n")

	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
