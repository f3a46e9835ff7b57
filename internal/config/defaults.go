package config

const (
	oscalBase   = "https://raw.githubusercontent.com/usnistgov/oscal-content/main/nist.gov/SP800-53/rev5/json/"
	mappingBase = "https://center-for-threat-informed-defense.github.io/mappings-explorer/data/nist_800_53/attack-14.1/"
)

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.compliancegraph/workspace",
			LogLevel:  "info",
		},
		Artifacts: ArtifactsConfig{
			Baselines: map[string]string{
				"low":      oscalBase + "NIST_SP-800-53_rev5_LOW-baseline_profile.json",
				"moderate": oscalBase + "NIST_SP-800-53_rev5_MODERATE-baseline_profile.json",
				"high":     oscalBase + "NIST_SP-800-53_rev5_HIGH-baseline_profile.json",
			},
			Catalog:      oscalBase + "NIST_SP-800-53_rev5_catalog.json",
			CrossRefList: "https://dl.dod.cyber.mil/wp-content/uploads/stigs/zip/U_CCI_List.zip",
			Library:      "https://dl.dod.cyber.mil/wp-content/uploads/stigs/zip/U_SRG-STIG_Library_{month}_{year}.zip",
			Frameworks: map[string]string{
				"nist_800_53_rev5": mappingBase + "nist_800_53-rev5/enterprise/nist_800_53-rev5_attack-14.1-enterprise_json.json",
				"nist_800_53_rev4": mappingBase + "nist_800_53-rev4/enterprise/nist_800_53-rev4_attack-14.1-enterprise_json.json",
			},
			Framework: "nist_800_53_rev5",
		},
		Layout: LayoutConfig{
			Data:           "data",
			Downloads:      "data/downloads",
			Library:        "data/stig_zips",
			STIG:           "data/stigs",
			SRG:            "data/srgs",
			CrossRef:       "data/cci_list",
			Docs:           "data/docs",
			Scratch:        "data/tmp",
			StateFile:      "data/last_processed.json",
			XMLSuffix:      "-xccdf.xml",
			ZipSuffix:      ".zip",
			SRGMarker:      "_SRG_",
			AcronymPattern: "_STIG_Acronym_List_*.pdf",
		},
		Fetch: FetchConfig{
			Concurrency:    4,
			TimeoutSeconds: 600,
			MaxMonthsBack:  12,
			PruneDays:      120,
			StaleDays:      7,
			UserAgent:      "compliancegraph/1.0",
		},
		Linker: LinkerConfig{
			Publisher: "NIST",
			Catalogs:  []string{"SP 800-53"},
		},
		LLM: LLMConfig{
			APIBase:        "https://openrouter.ai/api/v1",
			Model:          "deepseek/deepseek-chat",
			TimeoutSeconds: 120,
			MaxTokens:      1024,
			Temperature:    0.2,
		},
		Index: IndexConfig{
			Enabled: false,
			DBPath:  "data/index.db",
		},
		Schedule: ScheduleConfig{
			Enabled: false,
			Weekday: "monday",
			At:      "09:00",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
