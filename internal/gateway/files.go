package gateway

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/MehdiConnect4/proxy-vm-wizard/internal/role"
)

// WriteFiles writes proxy.conf and the executable apply-proxy.sh into the
// role directory, creating it if needed. It returns the paths written.
func WriteFiles(c *Config, roleDir string) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(roleDir, 0o755); err != nil {
		return nil, fmt.Errorf("create role dir: %w", err)
	}

	confPath := filepath.Join(roleDir, role.ConfigFileName)
	if err := os.WriteFile(confPath, []byte(Generate(c)+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", role.ConfigFileName, err)
	}

	scriptPath := filepath.Join(roleDir, role.ApplyScriptName)
	if err := os.WriteFile(scriptPath, []byte(ApplyScript(c.Role)), 0o755); err != nil {
		return nil, fmt.Errorf("write %s: %w", role.ApplyScriptName, err)
	}

	return []string{confPath, scriptPath}, nil
}

// ApplyScript renders the in-VM apply script for a role. The gateway VM runs
// it against the shared /proxy mount to regenerate /etc/proxychains.conf.
func ApplyScript(roleName string) string {
	return fmt.Sprintf(applyScriptTemplate, roleName)
}

const applyScriptTemplate = `#!/usr/bin/env bash
set -euo pipefail

ROLE="%s"
CONF="/proxy/proxy.conf"
OUT="/etc/proxychains.conf"

log() { echo "[apply-proxy][${ROLE}] $*"; }

if [[ ! -f "$CONF" ]]; then
  log "Config file $CONF not found - nothing to do."
  exit 0
fi

# shellcheck disable=SC1090
. "$CONF" || {
  log "Failed to source config from $CONF."
  exit 1
}

MODE="${GATEWAY_MODE:-}"
if [[ "$MODE" = "PROXY_CHAIN" ]]; then
  COUNT="${PROXY_COUNT:-0}"
  if ! [[ "$COUNT" =~ ^[0-9]+$ ]] || [[ "$COUNT" -lt 1 ]]; then
    log "PROXY_CHAIN mode but PROXY_COUNT is invalid ('$COUNT')."
    exit 0
  fi

  STRAT="${CHAIN_STRATEGY:-strict_chain}"
  cat > "$OUT" <<EOC
# Auto-generated by apply-proxy.sh for role ${ROLE}
${STRAT}
proxy_dns
tcp_read_time_out 15000
tcp_connect_time_out 8000

[ProxyList]
EOC

  any=0
  for ((i=1; i<=COUNT; i++)); do
    T=""
    H=""
    P=""
    U=""
    PW=""
    eval "T=\"\${PROXY_${i}_TYPE:-}\""
    eval "H=\"\${PROXY_${i}_HOST:-}\""
    eval "P=\"\${PROXY_${i}_PORT:-}\""
    eval "U=\"\${PROXY_${i}_USER:-}\""
    eval "PW=\"\${PROXY_${i}_PASS:-}\""

    if [[ -z "$T" || -z "$H" || -z "$P" ]]; then
      log "Proxy $i incomplete (type/host/port missing) - skipping."
      continue
    fi

    case "$T" in
      SOCKS5|socks5)
        if [[ -n "$U" || -n "$PW" ]]; then
          echo "socks5 $H $P $U $PW" >> "$OUT"
        else
          echo "socks5 $H $P" >> "$OUT"
        fi
        any=1
        ;;
      HTTP|http)
        if [[ -n "$U" || -n "$PW" ]]; then
          echo "http $H $P $U $PW" >> "$OUT"
        else
          echo "http $H $P" >> "$OUT"
        fi
        any=1
        ;;
      *)
        log "Proxy $i has unsupported type '$T' - skipping."
        ;;
    esac
  done

  if [[ "$any" -eq 0 ]]; then
    log "No valid proxies found in chain - leaving $OUT untouched."
    exit 0
  fi

  log "proxychains.conf updated for PROXY_CHAIN (count=$COUNT)."
  exit 0
fi

# Backward compatibility: single ACTIVE_PROTOCOL mode
case "${ACTIVE_PROTOCOL:-}" in
  SOCKS5)
    if [[ -z "${SOCKS5_HOST:-}" || -z "${SOCKS5_PORT:-}" ]]; then
      log "SOCKS5 selected but SOCKS5_HOST or SOCKS5_PORT is empty."
      exit 0
    fi
    cat > "$OUT" <<EOC
# Auto-generated by apply-proxy.sh for role ${ROLE}
strict_chain
proxy_dns
tcp_read_time_out 15000
tcp_connect_time_out 8000

[ProxyList]
EOC
    if [[ -n "${SOCKS5_USER:-}" || -n "${SOCKS5_PASS:-}" ]]; then
      echo "socks5 ${SOCKS5_HOST} ${SOCKS5_PORT} ${SOCKS5_USER:-} ${SOCKS5_PASS:-}" >> "$OUT"
    else
      echo "socks5 ${SOCKS5_HOST} ${SOCKS5_PORT}" >> "$OUT"
    fi
    log "proxychains.conf updated for single SOCKS5."
    ;;
  HTTP)
    if [[ -z "${HTTP_HOST:-}" || -z "${HTTP_PORT:-}" ]]; then
      log "HTTP selected but HTTP_HOST or HTTP_PORT is empty."
      exit 0
    fi
    cat > "$OUT" <<EOC
# Auto-generated by apply-proxy.sh for role ${ROLE}
strict_chain
proxy_dns
tcp_read_time_out 15000
tcp_connect_time_out 8000

[ProxyList]
EOC
    if [[ -n "${HTTP_USER:-}" || -n "${HTTP_PASS:-}" ]]; then
      echo "http ${HTTP_HOST} ${HTTP_PORT} ${HTTP_USER:-} ${HTTP_PASS:-}" >> "$OUT"
    else
      echo "http ${HTTP_HOST} ${HTTP_PORT}" >> "$OUT"
    fi
    log "proxychains.conf updated for single HTTP."
    ;;
  *)
    log "GATEWAY_MODE='${MODE}' and ACTIVE_PROTOCOL='${ACTIVE_PROTOCOL:-}' - nothing to do in apply-proxy.sh yet."
    ;;
esac

exit 0
`
