package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	confirmPrompt   = "Are you sure you wish to proceed? (Y/n): "
	confirmAttempts = 3
	confirmTimeout  = 5 * time.Minute
)

// confirm asks for a yes answer, giving up after the attempt budget, an
// explicit 'n', or the timeout. No input within the window is a refusal:
// an unattended prompt must never end in a flash write.
func confirm(in io.Reader, prompt string, yes byte, attempts int, timeout time.Duration) bool {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for i := 0; i < attempts; i++ {
		fmt.Print(prompt)
		select {
		case line, ok := <-lines:
			if !ok {
				return false
			}
			line = strings.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if line[0] == yes {
				return true
			}
			if line[0] == 'n' || line[0] == 'N' {
				return false
			}
		case <-deadline.C:
			fmt.Println("\nNo input. Aborting...")
			return false
		}
	}
	return false
}
