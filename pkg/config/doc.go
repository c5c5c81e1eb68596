// Package config loads the pilot configuration file.
//
// The file is YAML with one section per component:
//
//	orchestrator:
//	  max_concurrent_tasks: 3
//	executor:
//	  retry_delay: 1s
//	  step_timeout: 60s
//	planner:
//	  oracle_timeout: 30s
//	  step_max_retries: 3
//	runner:
//	  max_replans: 3
//	oracle:
//	  provider: openai
//	  model: gpt-4o-mini
//	  api_key: ${OPENAI_API_KEY}
//	handlers:
//	  file:
//	    root: /srv/work
//	  remote:
//	    hosts:
//	      web:
//	        address: web.internal:22
//	        user: deploy
//	        private_key_path: ~/.ssh/id_ed25519
//	store:
//	  enabled: true
//	  path: pilot.db
//	policy:
//	  enabled: true
//	  paths: [./policies]
//	  watch: true
//	telemetry:
//	  logging:
//	    level: info
//
// Missing sections keep their defaults. ${VAR} references are expanded
// before decoding, and PILOT_API_KEY, PILOT_PROVIDER, PILOT_MODEL, PILOT_DB,
// PILOT_MAX_CONCURRENT_TASKS and LOG_LEVEL override the decoded values.
// The result, telemetry and remote host sections included, is checked with
// validator struct tags.
package config
