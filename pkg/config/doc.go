// Package config loads the TeamCloud engine configuration.
//
// Configuration lives in a single YAML file (teamcloud.yaml by default).
// Keys the file leaves out keep the values of Default, unknown keys are
// rejected, and the result is validated with go-playground/validator tags.
// Validation errors name fields by their YAML path:
//
//	invalid config: engine.activity_retry.max_attempts failed min=1
//
// A minimal file:
//
//	database:
//	  path: /var/lib/teamcloud/teamcloud.db
//	server:
//	  listen: ":8080"
//	engine:
//	  workflows:
//	    guard:
//	      max_deferrals: 900
//	policy:
//	  paths: [/etc/teamcloud/policies]
//	  watch: true
//
// The CLI overlays flags and TEAMCLOUD_* environment variables on top of the
// loaded file.
package config
