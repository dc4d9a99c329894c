// Package schema defines the world's tunables, feature flags and operator
// consoles. It is the only place new tunables are declared.
package schema

import (
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/surface"
)

// Tunable names referenced from code.
const (
	WorldSaveFrequency   = "WorldSaveFrequency"
	WorldSaveBackups     = "WorldSaveBackups"
	AccountWipeEnabled   = "AccountWipeEnabled"
	OverrideLifetime     = "OverrideLifetime"
	FeatureFlagsHex      = "FeatureFlagsHex"
	GlobalEventActive    = "GlobalEventActive"
	MaintenanceMode      = "MaintenanceMode"
	DepotCapacity        = "DepotCapacity"
	CorpseDecay          = "CorpseDecay"
	ItemDecay            = "ItemDecay"
	SkillGainRate        = "SkillGainRate"
	StatCap              = "StatCap"
	SkillCap             = "SkillCap"
	RuleSet              = "RuleSet"
	ResourceRespawn      = "ResourceRespawn"
	HarvestBonus         = "HarvestBonus"
	SpawnDensity         = "SpawnDensity"
	CreatureRespawn      = "CreatureRespawn"
	PlayerKillPenalty    = "PlayerKillPenalty"
	MurderCountDecay     = "MurderCountDecay"
	HousingDecay         = "HousingDecay"
	MaxHousesPerAccount  = "MaxHousesPerAccount"
	YoungPlayerProtected = "YoungPlayerProtection"
	LogoutDelay          = "LogoutDelay"
	InnLogoutDelay       = "InnLogoutDelay"
	GuildMaxMembers      = "GuildMaxMembers"
)

// Flag names referenced from code.
const (
	FlagGlobalEvent      = GlobalEventActive
	FlagMaintenance      = MaintenanceMode
	FlagDoubleHarvest    = "DoubleHarvest"
	FlagFactionWars      = "FactionWars"
	FlagSeasonalDecor    = "SeasonalDecorations"
	FlagNewPlayerDungeon = "NewPlayerDungeon"
	FlagTreasureHunts    = "TreasureHunts"
	FlagArenaTournaments = "ArenaTournaments"
	FlagCraftingQuests   = "CraftingQuests"
	FlagLegacyCombat     = "LegacyCombat"
)

// FlagWidth is the bitset size. Bits past 63 need save format 2.
const FlagWidth = 128

// World returns the world schema.
func World() registry.Schema {
	g, o, a, w := access.Guest, access.Operator, access.Administrator, access.Owner
	return registry.Schema{
		Tunables: []registry.Tunable{
			// Server
			{Name: WorldSaveFrequency, Kind: registry.KindInt, Default: registry.Int(5),
				ReadFloor: g, WriteFloor: a, Check: registry.IntBetween(1, 1440),
				Description: "Minutes between automatic world saves"},
			{Name: WorldSaveBackups, Kind: registry.KindInt, Default: registry.Int(3),
				ReadFloor: o, WriteFloor: a, Check: registry.IntBetween(0, 48),
				Description: "Rolling backups kept after each save"},
			{Name: OverrideLifetime, Kind: registry.KindDuration, Default: registry.Duration(4 * time.Hour),
				ReadFloor: o, WriteFloor: w, Check: registry.DurationBetween(time.Minute, 24*time.Hour),
				Description: "Lifetime of a tuning override"},
			{Name: AccountWipeEnabled, Kind: registry.KindBool, Default: registry.Bool(false),
				ReadFloor: w, WriteFloor: w, Sensitive: true,
				Description: "Allow account deletion from the console"},
			{Name: LogoutDelay, Kind: registry.KindDuration, Default: registry.Duration(5 * time.Minute),
				ReadFloor: g, WriteFloor: a, Check: registry.DurationBetween(0, time.Hour),
				Description: "Time a character lingers after logout"},
			{Name: InnLogoutDelay, Kind: registry.KindDuration, Default: registry.Duration(0),
				ReadFloor: g, WriteFloor: a, Check: registry.DurationBetween(0, time.Hour),
				Description: "Linger time when logging out in an inn"},

			// Decay
			{Name: CorpseDecay, Kind: registry.KindDuration, Default: registry.Duration(7 * time.Minute),
				ReadFloor: g, WriteFloor: o, Check: registry.DurationBetween(30*time.Second, 2*time.Hour),
				Description: "Time before a corpse decays"},
			{Name: ItemDecay, Kind: registry.KindDuration, Default: registry.Duration(time.Hour),
				ReadFloor: g, WriteFloor: o, Check: registry.DurationBetween(time.Minute, 24*time.Hour),
				Description: "Time before dropped items decay"},
			{Name: HousingDecay, Kind: registry.KindDuration, Default: registry.Duration(30 * 24 * time.Hour),
				ReadFloor: g, WriteFloor: a, Check: registry.DurationAtLeast(24 * time.Hour),
				Description: "Inactivity before a house starts to decay"},

			// Character
			{Name: SkillGainRate, Kind: registry.KindFloat, Default: registry.Float(0.25),
				ReadFloor: g, WriteFloor: a, Check: registry.Fraction(),
				Description: "Base chance of a skill gain on use"},
			{Name: StatCap, Kind: registry.KindInt, Default: registry.Int(225),
				ReadFloor: g, WriteFloor: a, Check: registry.IntBetween(75, 400),
				Description: "Total stat cap"},
			{Name: SkillCap, Kind: registry.KindInt, Default: registry.Int(7000),
				ReadFloor: g, WriteFloor: a, Check: registry.IntBetween(1000, 20000),
				Description: "Total skill cap in tenths"},
			{Name: RuleSet, Kind: registry.KindEnum, Default: registry.Enum("Classic"),
				Options:   []string{"Classic", "Renaissance", "Modern"},
				ReadFloor: g, WriteFloor: w,
				Description: "Ruleset for combat and skills"},
			{Name: YoungPlayerProtected, Kind: registry.KindDuration, Default: registry.Duration(40 * time.Hour),
				ReadFloor: g, WriteFloor: a, Check: registry.DurationBetween(0, 500*time.Hour),
				Description: "Game time a new character is protected"},

			// Resources and creatures
			{Name: ResourceRespawn, Kind: registry.KindDuration, Default: registry.Duration(10 * time.Minute),
				ReadFloor: o, WriteFloor: o, Check: registry.DurationBetween(time.Minute, 6*time.Hour),
				Description: "Time for a harvested resource bank to refill"},
			{Name: HarvestBonus, Kind: registry.KindFloat, Default: registry.Float(1),
				ReadFloor: g, WriteFloor: a, Check: registry.FloatBetween(0, 10),
				Description: "Harvest yield multiplier"},
			{Name: SpawnDensity, Kind: registry.KindFloat, Default: registry.Float(1),
				ReadFloor: o, WriteFloor: a, Check: registry.FloatBetween(0, 5),
				Description: "Creature spawn density multiplier"},
			{Name: CreatureRespawn, Kind: registry.KindDuration, Default: registry.Duration(5 * time.Minute),
				ReadFloor: o, WriteFloor: a, Check: registry.DurationBetween(10*time.Second, 2*time.Hour),
				Description: "Creature respawn delay"},

			// Justice
			{Name: PlayerKillPenalty, Kind: registry.KindEnum, Default: registry.Enum("Standard"),
				Options:   []string{"None", "Standard", "Harsh"},
				ReadFloor: g, WriteFloor: a,
				Description: "Penalty applied for murder"},
			{Name: MurderCountDecay, Kind: registry.KindDuration, Default: registry.Duration(8 * time.Hour),
				ReadFloor: g, WriteFloor: a, Check: registry.DurationBetween(time.Hour, 7*24*time.Hour),
				Description: "Time for one murder count to decay"},

			// Housing and social
			{Name: DepotCapacity, Kind: registry.KindInt, Default: registry.Int(125),
				ReadFloor: g, WriteFloor: a, Check: registry.IntBetween(25, 2000),
				Description: "Items a player depot holds"},
			{Name: MaxHousesPerAccount, Kind: registry.KindInt, Default: registry.Int(1),
				ReadFloor: g, WriteFloor: a, Check: registry.IntBetween(0, 10),
				Description: "Houses one account may own"},
			{Name: GuildMaxMembers, Kind: registry.KindInt, Default: registry.Int(500),
				ReadFloor: g, WriteFloor: a, Check: registry.IntBetween(1, 5000),
				Description: "Members a guild may have"},
		},
		Flags: []registry.Flag{
			{Name: FlagGlobalEvent, Bit: 0, ReadFloor: g, WriteFloor: a,
				Description: "A world-wide event is running"},
			{Name: FlagMaintenance, Bit: 1, ReadFloor: g, WriteFloor: w, Sensitive: true,
				Description: "Only staff may log in"},
			{Name: FlagDoubleHarvest, Bit: 2, ReadFloor: g, WriteFloor: a,
				Description: "Harvest yields are doubled"},
			{Name: FlagFactionWars, Bit: 3, ReadFloor: g, WriteFloor: a, Default: true,
				Description: "Faction warfare is enabled"},
			{Name: FlagSeasonalDecor, Bit: 4, ReadFloor: g, WriteFloor: o,
				Description: "Seasonal decorations are shown"},
			{Name: FlagNewPlayerDungeon, Bit: 5, ReadFloor: g, WriteFloor: a, Default: true,
				Description: "The new player dungeon is open"},
			{Name: FlagTreasureHunts, Bit: 6, ReadFloor: g, WriteFloor: o,
				Description: "Treasure maps spawn chests"},
			{Name: FlagLegacyCombat, Bit: 63, ReadFloor: o, WriteFloor: w,
				Description: "Use the legacy combat formulas"},
			{Name: FlagArenaTournaments, Bit: 64, ReadFloor: g, WriteFloor: a,
				Description: "Arena tournaments are scheduled"},
			{Name: FlagCraftingQuests, Bit: 65, ReadFloor: g, WriteFloor: o,
				Description: "Crafting quests are offered"},
		},
		FlagWidth: FlagWidth,
	}
}

// Consoles returns the operator consoles. DepotCapacity appears in
// two of them; both edit the same value.
func Consoles() []surface.Console {
	return []surface.Console{
		{Name: "server", Title: "Server", Names: []string{
			WorldSaveFrequency, WorldSaveBackups, OverrideLifetime, AccountWipeEnabled,
			LogoutDelay, InnLogoutDelay, FlagMaintenance, FeatureFlagsHex,
		}},
		{Name: "world", Title: "World", Names: []string{
			CorpseDecay, ItemDecay, ResourceRespawn, HarvestBonus, SpawnDensity,
			CreatureRespawn, FlagGlobalEvent, FlagDoubleHarvest, FlagSeasonalDecor,
			FlagTreasureHunts,
		}},
		{Name: "character", Title: "Characters", Names: []string{
			SkillGainRate, StatCap, SkillCap, RuleSet, YoungPlayerProtected,
			PlayerKillPenalty, MurderCountDecay, FlagLegacyCombat, FlagFactionWars,
		}},
		{Name: "housing", Title: "Housing", Names: []string{
			HousingDecay, MaxHousesPerAccount, DepotCapacity, GuildMaxMembers,
		}},
		{Name: "vendor", Title: "Vendors and Banking", Names: []string{
			DepotCapacity, FlagCraftingQuests, FlagArenaTournaments, FlagNewPlayerDungeon,
		}},
	}
}

// Install registers the derived properties and consoles on s.
func Install(s *surface.Surface) error {
	reg := s.Registry()
	err := s.AddDerived(surface.Derived{
		Name:        FeatureFlagsHex,
		ReadFloor:   access.Operator,
		Description: "Raw feature flag words",
		Compute:     reg.Flags().Hex,
	})
	if err != nil {
		return err
	}
	for _, c := range Consoles() {
		if err := s.AddConsole(c); err != nil {
			return err
		}
	}
	return nil
}
