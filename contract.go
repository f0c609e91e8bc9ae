package wipi

// contractDocument builds the self-describing API contract served at the
// root URL.
func contractDocument(root string) State {
	const timeSpecHelp = "Optional time spec in form of 'YYYY/MM/DD HH:MM:SS' " +
		"or list of these (if omitted, the action is performed ASAP)"

	repeatHelp := []any{State{
		"times": "Optional integer, says how many times the action " +
			"shall be repeated after the last scheduled time in 'at' " +
			"(if omitted, the action will repeat indefinitely)",
		"interval": "Required float, sets the repetition interval [s]",
	}}

	return State{
		"errors": State{
			"description": "Error responses have the following form",
			"response": State{
				"error": "Error message",
			},
		},

		"requests": []any{State{
			"uri":         root,
			"method":      "GET",
			"description": "API contract description",
			"response":    "{... you're looking at it now ...}",
		}, State{
			"uri":         root + "controllers",
			"method":      "GET",
			"description": "Get enabled controller names and types",
			"response": State{
				"name1": "type1",
				"name2": "type2",
			},
		}, State{
			"uri":         root + "get_state",
			"method":      "GET",
			"description": "Get status of all controllers",
			"response": State{
				"controllers": []any{State{
					"name":  "controller name",
					"state": "{... controller state dict ...}",
				}},
			},
		}, State{
			"uri":         root + "get_state/<controller name>",
			"method":      "GET",
			"description": "Get status of specified controller",
			"response":    "{... controller state dict ...}",
		}, State{
			"uri":         root + "set_state",
			"method":      "POST",
			"description": "Set/change status of some/all controllers",
			"request": State{
				"controllers": []any{State{
					"name":  "controller name",
					"state": "{... new controller state (subset) dict ...}",
				}},
			},
			"response": State{
				"controllers": []any{State{
					"name":  "controller name",
					"state": "{... controller state dict ...}",
				}},
			},
		}, State{
			"uri":         root + "set_state/<controller name>",
			"method":      "POST",
			"description": "Set/change status of specified controller",
			"request":     "{... new controller state (subset) dict ...}",
			"response":    "{... controller state dict ...}",
		}, State{
			"uri":         root + "set_state_deferred",
			"method":      "POST",
			"description": "Schedule set/change status of some/all controllers",
			"request": State{
				"controllers": []any{State{
					"name":  "controller name",
					"state": "{... new controller state (subset) dict ...}",
				}},
				"at":     timeSpecHelp,
				"repeat": repeatHelp,
			},
			"response": "None, will just respond with 204 on successful scheduling",
		}, State{
			"uri":         root + "set_state_deferred/<controller name>",
			"method":      "POST",
			"description": "Schedule set/change status of specified controller",
			"request": State{
				"state":  "{... new controller state (subset) dict ...}",
				"at":     timeSpecHelp,
				"repeat": repeatHelp,
			},
			"response": "None, will just respond with 204 on successful scheduling",
		}, State{
			"uri":         root + "list_deferred",
			"method":      "GET",
			"description": "List all scheduled status sets/changes",
			"response": []any{State{
				"controller": "Controller name",
				"state":      "{... new controller state (subset) dict ...}",
				"at":         []any{"YYYY/MM/DD HH:MM:SS"},
			}},
		}, State{
			"uri":         root + "list_deferred/<controller name>",
			"method":      "GET",
			"description": "List controller's scheduled status sets/changes",
			"response": []any{State{
				"controller": "<controller name> (as specified)",
				"state":      "{... new controller state (subset) dict ...}",
				"at":         []any{"YYYY/MM/DD HH:MM:SS"},
			}},
		}, State{
			"uri":         root + "cancel_deferred",
			"method":      "GET",
			"description": "Cancel all scheduled status sets/changes",
			"response":    "None, will just respond with 204 on successful cancellation",
		}, State{
			"uri":    root + "downstream",
			"method": "POST",
			"description": "Stream data from controllers (using chunked-encoded " +
				"HTTP response)",
			"request": State{
				"controllers": []any{State{
					"name":  "controller name",
					"query": "{... controller streaming query ...}",
				}},
			},
			"response": []any{
				"{... controllers' stream data chunks coming incrementally " +
					"(note that they'll come in an interleaved manner, as individual " +
					"controllers produce them) ...}",
			},
		}, State{
			"uri":    root + "downstream/<controller name>",
			"method": "POST",
			"description": "Stream data from controller (using chunked-encoded " +
				"HTTP response)",
			"request": "{... controller streaming query ...}",
			"response": []any{
				"{... controller stream data chunks coming incrementally ...}",
			},
		}},
	}
}
